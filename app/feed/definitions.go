package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Definition describes how one feed is published.
type Definition struct {
	Name        string `yaml:"-"`
	Kind        Kind   `yaml:"kind" validate:"required,oneof=product review"`
	Path        string `yaml:"path" validate:"required,startswith=/"`
	CacheKey    string `yaml:"cache_key" validate:"required"`
	File        string `yaml:"file" validate:"required,excludesall=/\\"`
	Title       string `yaml:"title"`
	Link        string `yaml:"link"`
	Description string `yaml:"description"`
	TTL         int    `yaml:"ttl" validate:"gte=0"` // seconds, 0 = global TTL
	Scheduled   bool   `yaml:"scheduled"`
	Enabled     bool   `yaml:"enabled"`
}

// CacheTTL returns the definition's TTL, or fallback when it has none.
func (d Definition) CacheTTL(fallback time.Duration) time.Duration {
	if d.TTL > 0 {
		return time.Duration(d.TTL) * time.Second
	}
	return fallback
}

// DefaultDefinitions returns the built-in product and review feeds.
func DefaultDefinitions() map[Kind]Definition {
	return map[Kind]Definition{
		KindProduct: {
			Name:        string(KindProduct),
			Kind:        KindProduct,
			Path:        "/smarty-google-feed",
			CacheKey:    "google_product_feed",
			File:        "smarty_google_product_feed.xml",
			Title:       "Product Feed",
			Description: "Google Merchant Center product feed",
			Scheduled:   true,
			Enabled:     true,
		},
		KindReview: {
			Name:        string(KindReview),
			Kind:        KindReview,
			Path:        "/smarty-google-reviews-feed",
			CacheKey:    "google_reviews_feed",
			File:        "smarty_google_reviews_feed.xml",
			Title:       "Product Reviews Feed",
			Description: "Google Merchant Center product review feed",
			Enabled:     true,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Definitions holds one Definition per feed kind. Built-in defaults are
// replaced by <name>.yml files found in the feeds directory.
type Definitions struct {
	feedsDir string
	byKind   map[Kind]*Definition
	mu       sync.RWMutex
}

func NewDefinitions(feedsDir string) *Definitions {
	d := &Definitions{
		feedsDir: feedsDir,
		byKind:   make(map[Kind]*Definition),
	}
	for kind, def := range DefaultDefinitions() {
		d.byKind[kind] = &def
	}
	return d
}

// Run (re)loads all definition files. The current set is only replaced when
// every file parses and the combined set is valid.
func (d *Definitions) Run() error {
	loaded := make(map[Kind]*Definition)
	for kind, def := range DefaultDefinitions() {
		loaded[kind] = &def
	}

	if _, err := os.Stat(d.feedsDir); os.IsNotExist(err) {
		d.swap(loaded)
		return nil
	}

	files, err := filepath.Glob(filepath.Join(d.feedsDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}
	sort.Strings(files)

	fromFile := make(map[Kind]string)
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yml")

		def, err := d.parse(file, name)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		if prev, ok := fromFile[def.Kind]; ok {
			return fmt.Errorf("feeds %q and %q both define a %s feed", prev, name, def.Kind)
		}
		fromFile[def.Kind] = name
		loaded[def.Kind] = def

		slog.Debug("Feed definition loaded", "feed", name, "kind", def.Kind, "path", def.Path, "enabled", def.Enabled)
	}

	if err := checkUnique(loaded); err != nil {
		return err
	}

	d.swap(loaded)
	return nil
}

func (d *Definitions) swap(loaded map[Kind]*Definition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byKind = loaded
}

func (d *Definitions) parse(file, name string) (*Definition, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var head struct {
		Kind Kind `yaml:"kind"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if head.Kind == "" {
		head.Kind = Kind(name)
	}

	defaults, ok := DefaultDefinitions()[head.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Kind)
	}

	def := defaults
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	def.Name = name
	def.Kind = head.Kind

	if err := validateDefinition(&def); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", name, err)
	}

	return &def, nil
}

func validateDefinition(def *Definition) error {
	if def == nil {
		return errors.New("definition is nil")
	}
	if err := validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			first := verrs[0]
			return fmt.Errorf("field %s fails %q", first.Field(), first.Tag())
		}
		return err
	}
	return nil
}

func checkUnique(defs map[Kind]*Definition) error {
	paths := make(map[string]string)
	keys := make(map[string]string)
	files := make(map[string]string)

	for _, kind := range Kinds {
		def, ok := defs[kind]
		if !ok {
			continue
		}
		checks := []struct {
			seen  map[string]string
			value string
			label string
		}{
			{paths, def.Path, "path"},
			{keys, def.CacheKey, "cache key"},
			{files, def.File, "file"},
		}
		for _, c := range checks {
			if other, dup := c.seen[c.value]; dup {
				return fmt.Errorf("feeds %q and %q share %s %q", other, def.Name, c.label, c.value)
			}
			c.seen[c.value] = def.Name
		}
	}
	return nil
}

func (d *Definitions) ForKind(kind Kind) (*Definition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	def, ok := d.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	copied := *def
	return &copied, nil
}

// Get looks a definition up by name.
func (d *Definitions) Get(name string) (*Definition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, def := range d.byKind {
		if def.Name == name {
			copied := *def
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("feed definition with name '%s' not found", name)
}

// ByPath returns the enabled definition served at path.
func (d *Definitions) ByPath(path string) (*Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, def := range d.byKind {
		if def.Enabled && def.Path == path {
			copied := *def
			return &copied, true
		}
	}
	return nil, false
}

// All returns every definition ordered by kind.
func (d *Definitions) All() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	defs := make([]Definition, 0, len(d.byKind))
	for _, kind := range Kinds {
		if def, ok := d.byKind[kind]; ok {
			defs = append(defs, *def)
		}
	}
	return defs
}

func (d *Definitions) Enabled() []Definition {
	var enabled []Definition
	for _, def := range d.All() {
		if def.Enabled {
			enabled = append(enabled, def)
		}
	}
	return enabled
}

func (d *Definitions) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byKind)
}
