package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smartystudio/smarty-google-feed-generator/app/cache"
	"github.com/smartystudio/smarty-google-feed-generator/app/database"
	"github.com/smartystudio/smarty-google-feed-generator/app/metrics"
	"github.com/smartystudio/smarty-google-feed-generator/app/storage"
	"github.com/smartystudio/smarty-google-feed-generator/app/xmlbuilder"
)

const (
	DefaultTTL             = 12 * time.Hour
	DefaultUpstreamTimeout = 10 * time.Second
)

type ProductSource interface {
	ListPublished(ctx context.Context) ([]database.Product, error)
}

type ReviewSource interface {
	ListReviews(ctx context.Context) ([]database.Review, error)
}

// BlobStore keeps the last generated copy of each feed.
type BlobStore interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
	ModTime(name string) (time.Time, error)
}

type GeneratorOptions struct {
	Products        ProductSource
	Reviews         ReviewSource
	Mapper          *Mapper
	Cache           cache.Cache
	Blobs           BlobStore // optional
	Definitions     *Definitions
	TTL             time.Duration
	UpstreamTimeout time.Duration
	Metrics         metrics.Recorder
}

// GenerationStatus describes the last generation attempt of one feed.
type GenerationStatus struct {
	Kind      Kind          `json:"kind"`
	LastRun   time.Time     `json:"last_run"`
	Duration  time.Duration `json:"duration_ns"`
	Entries   int           `json:"entries"`
	Skipped   int           `json:"skipped"`
	Bytes     int           `json:"bytes"`
	Error     string        `json:"error,omitempty"`
	Persisted bool          `json:"persisted"`
}

// Generator builds feeds from the catalog and keeps them in the cache.
//
// Every cache write for a kind happens under that kind's lock, so an
// invalidation can never be overwritten by a build that read the catalog
// before it.
type Generator struct {
	products ProductSource
	reviews  ReviewSource
	mapper   *Mapper
	cache    cache.Cache
	blobs    BlobStore
	defs     *Definitions
	ttl      time.Duration
	timeout  time.Duration
	metrics  metrics.Recorder

	locks map[Kind]*sync.Mutex

	statusMu sync.RWMutex
	status   map[Kind]GenerationStatus
}

func NewGenerator(opts GeneratorOptions) *Generator {
	g := &Generator{
		products: opts.Products,
		reviews:  opts.Reviews,
		mapper:   opts.Mapper,
		cache:    opts.Cache,
		blobs:    opts.Blobs,
		defs:     opts.Definitions,
		ttl:      opts.TTL,
		timeout:  opts.UpstreamTimeout,
		metrics:  opts.Metrics,
		locks:    make(map[Kind]*sync.Mutex, len(Kinds)),
		status:   make(map[Kind]GenerationStatus, len(Kinds)),
	}

	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if g.timeout <= 0 {
		g.timeout = DefaultUpstreamTimeout
	}
	if g.metrics == nil {
		g.metrics = metrics.Noop{}
	}
	if g.defs == nil {
		g.defs = NewDefinitions("")
	}
	if g.mapper == nil {
		g.mapper = NewMapper("USD", nil)
	}
	for _, kind := range Kinds {
		g.locks[kind] = &sync.Mutex{}
	}

	return g
}

// Generate returns the feed of the given kind. With useCache a live cache
// entry is returned without touching the catalog.
func (g *Generator) Generate(ctx context.Context, kind Kind, useCache bool) ([]byte, error) {
	def, err := g.defs.ForKind(kind)
	if err != nil {
		return nil, err
	}

	if useCache {
		if data, ok := g.cached(ctx, def); ok {
			g.metrics.RecordCacheLookup(string(kind), true)
			return data, nil
		}
		g.metrics.RecordCacheLookup(string(kind), false)
	}

	lock := g.locks[kind]
	lock.Lock()
	defer lock.Unlock()

	// Another reader may have filled the cache while we waited.
	if useCache {
		if data, ok := g.cached(ctx, def); ok {
			return data, nil
		}
	}

	return g.build(ctx, def)
}

// Refresh drops the cached feed and rebuilds it in one critical section.
func (g *Generator) Refresh(ctx context.Context, kind Kind) ([]byte, error) {
	def, err := g.defs.ForKind(kind)
	if err != nil {
		return nil, err
	}

	lock := g.locks[kind]
	lock.Lock()
	defer lock.Unlock()

	if err := g.cache.Invalidate(ctx, def.CacheKey); err != nil {
		return nil, fmt.Errorf("failed to invalidate %s: %w", def.CacheKey, err)
	}
	g.metrics.RecordInvalidation(string(kind))

	return g.build(ctx, def)
}

// Invalidate drops the cached feed. The next read regenerates it.
func (g *Generator) Invalidate(ctx context.Context, kind Kind) error {
	def, err := g.defs.ForKind(kind)
	if err != nil {
		return err
	}

	lock := g.locks[kind]
	lock.Lock()
	defer lock.Unlock()

	if err := g.cache.Invalidate(ctx, def.CacheKey); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", def.CacheKey, err)
	}
	g.metrics.RecordInvalidation(string(kind))
	return nil
}

// Stale returns the last persisted copy of the feed and when it was written.
// It returns storage.ErrNotFound when nothing has been persisted.
func (g *Generator) Stale(ctx context.Context, kind Kind) ([]byte, time.Time, error) {
	def, err := g.defs.ForKind(kind)
	if err != nil {
		return nil, time.Time{}, err
	}
	if g.blobs == nil {
		return nil, time.Time{}, storage.ErrNotFound
	}

	data, err := g.blobs.Load(ctx, def.File)
	if err != nil {
		return nil, time.Time{}, err
	}
	modTime, err := g.blobs.ModTime(def.File)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, modTime, nil
}

// Status returns the last generation status of every kind that has run.
func (g *Generator) Status() map[Kind]GenerationStatus {
	g.statusMu.RLock()
	defer g.statusMu.RUnlock()

	out := make(map[Kind]GenerationStatus, len(g.status))
	for k, v := range g.status {
		out[k] = v
	}
	return out
}

func (g *Generator) cached(ctx context.Context, def *Definition) ([]byte, bool) {
	data, ok, err := g.cache.Get(ctx, def.CacheKey)
	if err != nil {
		slog.Warn("Feed cache lookup failed", "feed", def.Name, "key", def.CacheKey, "error", err)
		return nil, false
	}
	return data, ok
}

// build must be called with the kind's lock held.
func (g *Generator) build(ctx context.Context, def *Definition) ([]byte, error) {
	start := time.Now()
	status := GenerationStatus{Kind: def.Kind, LastRun: start}

	data, entries, partial, err := g.render(ctx, def)
	status.Duration = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		g.setStatus(status)
		g.metrics.RecordGeneration(string(def.Kind), metrics.ResultError, status.Duration)
		return nil, err
	}

	status.Entries = entries
	status.Bytes = len(data)
	status.Skipped = partial.Failed()

	if partial.Failed() > 0 {
		slog.Warn("Feed generated with skipped entities",
			"feed", def.Name, "attempted", partial.Attempted, "skipped", partial.Failed(), "error", partial)
		g.metrics.RecordSkipped(string(def.Kind), partial.Failed())
	}

	if err := g.cache.Set(ctx, def.CacheKey, data, def.CacheTTL(g.ttl)); err != nil {
		slog.Warn("Failed to cache feed", "feed", def.Name, "key", def.CacheKey, "error", err)
	}

	status.Persisted = g.persist(ctx, def, data)

	g.setStatus(status)
	g.metrics.RecordGeneration(string(def.Kind), metrics.ResultSuccess, status.Duration)

	slog.Info("Feed generated", "feed", def.Name, "entries", entries, "bytes", len(data), "duration", status.Duration)

	return data, nil
}

func (g *Generator) persist(ctx context.Context, def *Definition, data []byte) bool {
	if g.blobs == nil {
		return false
	}
	if err := g.blobs.Save(ctx, def.File, data); err != nil {
		slog.Error("Failed to persist feed", "feed", def.Name, "file", def.File, "error", err)
		g.metrics.RecordPersistFailure(string(def.Kind))
		return false
	}
	return true
}

func (g *Generator) setStatus(s GenerationStatus) {
	g.statusMu.Lock()
	defer g.statusMu.Unlock()
	g.status[s.Kind] = s
}

func (g *Generator) render(ctx context.Context, def *Definition) ([]byte, int, *PartialFailure, error) {
	qctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var (
		doc     *xmlbuilder.Document
		entries int
		partial *PartialFailure
		err     error
	)
	switch def.Kind {
	case KindProduct:
		doc, entries, partial, err = g.productDocument(qctx, def)
	case KindReview:
		doc, entries, partial, err = g.reviewDocument(qctx, def)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownKind, def.Kind)
	}
	if err != nil {
		return nil, 0, nil, err
	}

	data, err := xmlbuilder.Serialize(doc)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to serialize %s feed: %w", def.Kind, err)
	}
	return data, entries, partial, nil
}

func (g *Generator) productDocument(ctx context.Context, def *Definition) (*xmlbuilder.Document, int, *PartialFailure, error) {
	products, err := g.products.ListPublished(ctx)
	if err != nil {
		return nil, 0, nil, upstreamError("list products", err)
	}

	doc := xmlbuilder.NewDocument("rss", map[string]string{"g": GoogleNamespace})
	doc.Root().SetAttr("version", "2.0")

	channel := doc.Root().AddChild("channel", "")
	channel.AddChild("title", xmlbuilder.CleanText(def.Title))
	channel.AddChild("link", xmlbuilder.CleanText(def.Link))
	channel.AddChild("description", xmlbuilder.CleanText(def.Description))

	partial := &PartialFailure{Kind: KindProduct}
	entries := 0
	for _, p := range products {
		if !p.IsPublished() {
			continue
		}
		partial.Attempted++

		entry, err := g.mapper.MapProduct(p)
		if err != nil {
			partial.add(p.ID, err)
			continue
		}
		if err := appendEntry(channel, "item", entry); err != nil {
			return nil, 0, nil, err
		}
		entries++
	}

	return doc, entries, partial, nil
}

func (g *Generator) reviewDocument(ctx context.Context, def *Definition) (*xmlbuilder.Document, int, *PartialFailure, error) {
	products, err := g.products.ListPublished(ctx)
	if err != nil {
		return nil, 0, nil, upstreamError("list products", err)
	}
	reviews, err := g.reviews.ListReviews(ctx)
	if err != nil {
		return nil, 0, nil, upstreamError("list reviews", err)
	}

	byProduct := make(map[int64][]database.Review)
	for _, r := range reviews {
		if !r.IsApproved() {
			continue
		}
		if r.PostType != "" && r.PostType != database.EntityTypeProduct {
			continue
		}
		byProduct[r.ProductID] = append(byProduct[r.ProductID], r)
	}

	doc := xmlbuilder.NewDocument("feed", map[string]string{"g": GoogleNamespace})
	root := doc.Root()

	partial := &PartialFailure{Kind: KindReview}
	entries := 0
	for _, p := range products {
		if !p.IsPublished() {
			continue
		}
		for _, r := range byProduct[p.ID] {
			partial.Attempted++

			entry, err := g.mapper.MapReview(ctx, p, r)
			if err != nil {
				if ctx.Err() != nil {
					return nil, 0, nil, upstreamError("lookup sku", err)
				}
				partial.add(r.ID, err)
				continue
			}
			if err := appendEntry(root, "entry", entry); err != nil {
				return nil, 0, nil, err
			}
			entries++
		}
	}

	return doc, entries, partial, nil
}

func appendEntry(parent *xmlbuilder.Node, tag string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", xmlbuilder.ErrMalformedDocument, err)
	}

	node := parent.AddChild(tag, "")
	for _, f := range entry.Fields() {
		node.AddChild(f.Name, f.Value, "g")
	}
	return nil
}

func upstreamError(op string, err error) error {
	if errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, err)
}
