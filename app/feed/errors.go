package feed

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingRequiredField marks an entity that cannot be represented in a
	// feed. The generator skips such entities.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrUpstreamUnavailable wraps catalog failures and timeouts.
	ErrUpstreamUnavailable = errors.New("catalog unavailable")

	ErrUnknownKind = errors.New("unknown feed kind")
)

// EntityError records why a single entity was left out of a feed.
type EntityError struct {
	EntityID int64
	Err      error
}

func (e EntityError) Error() string {
	return fmt.Sprintf("entity %d: %v", e.EntityID, e.Err)
}

func (e EntityError) Unwrap() error {
	return e.Err
}

// PartialFailure summarizes the entities skipped during one generation. It is
// reported through logs and metrics only; a generation with skipped entities
// still succeeds.
type PartialFailure struct {
	Kind      Kind
	Attempted int
	Errors    []EntityError
}

func (p *PartialFailure) Failed() int {
	return len(p.Errors)
}

func (p *PartialFailure) add(id int64, err error) {
	p.Errors = append(p.Errors, EntityError{EntityID: id, Err: err})
}

func (p *PartialFailure) Error() string {
	msgs := make([]string, 0, len(p.Errors))
	for _, e := range p.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("%s feed: %d of %d entities skipped: %s",
		p.Kind, p.Failed(), p.Attempted, strings.Join(msgs, "; "))
}

func (p *PartialFailure) Unwrap() []error {
	errs := make([]error, len(p.Errors))
	for i, e := range p.Errors {
		errs[i] = e
	}
	return errs
}
