package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartystudio/smarty-google-feed-generator/app/cache"
	"github.com/smartystudio/smarty-google-feed-generator/app/database"
	"github.com/smartystudio/smarty-google-feed-generator/app/storage"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products []database.Product
	reviews  []database.Review
	err      error
	block    bool

	productCalls atomic.Int32
	reviewCalls  atomic.Int32
}

func (c *fakeCatalog) ListPublished(ctx context.Context) ([]database.Product, error) {
	c.productCalls.Add(1)
	c.mu.Lock()
	block, err := c.block, c.err
	products := append([]database.Product(nil), c.products...)
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	var published []database.Product
	for _, p := range products {
		if p.IsPublished() {
			published = append(published, p)
		}
	}
	return published, nil
}

func (c *fakeCatalog) ListReviews(ctx context.Context) ([]database.Review, error) {
	c.reviewCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return append([]database.Review(nil), c.reviews...), nil
}

func (c *fakeCatalog) LookupSKU(_ context.Context, id int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.products {
		if p.ID == id {
			return p.SKU, nil
		}
	}
	return "", nil
}

func (c *fakeCatalog) set(fn func(c *fakeCatalog)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

type failingBlobs struct{}

func (failingBlobs) Save(context.Context, string, []byte) error {
	return storage.ErrIOFailure
}

func (failingBlobs) Load(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (failingBlobs) ModTime(string) (time.Time, error) {
	return time.Time{}, storage.ErrNotFound
}

type recordingMetrics struct {
	mu           sync.Mutex
	generations  map[string]int
	skipped      int
	hits, misses int
	invalidated  int
	persistFails int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{generations: make(map[string]int)}
}

func (m *recordingMetrics) RecordGeneration(kind, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations[kind+"/"+result]++
}

func (m *recordingMetrics) RecordSkipped(_ string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped += count
}

func (m *recordingMetrics) RecordCacheLookup(_ string, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *recordingMetrics) RecordInvalidation(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated++
}

func (m *recordingMetrics) RecordPersistFailure(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistFails++
}

type fixture struct {
	catalog *fakeCatalog
	cache   *cache.Memory
	blobs   *storage.FileStore
	metrics *recordingMetrics
	gen     *Generator
}

func newFixture(t *testing.T, catalog *fakeCatalog) *fixture {
	t.Helper()

	f := &fixture{
		catalog: catalog,
		cache:   cache.NewMemory(),
		blobs:   storage.NewFileStore(t.TempDir()),
		metrics: newRecordingMetrics(),
	}
	f.gen = NewGenerator(GeneratorOptions{
		Products:        catalog,
		Reviews:         catalog,
		Mapper:          NewMapper("USD", catalog),
		Cache:           f.cache,
		Blobs:           f.blobs,
		Definitions:     NewDefinitions(""),
		TTL:             time.Hour,
		UpstreamTimeout: time.Second,
		Metrics:         f.metrics,
	})
	return f
}

func sampleCatalog() *fakeCatalog {
	rating := 5.0
	return &fakeCatalog{
		products: []database.Product{
			widget(),
			{
				ID: 2, Name: "Hammer", Permalink: "https://shop.test/hammer", ImageURL: "https://shop.test/hammer.jpg",
				Price: database.Money{Amount: "20.00", Currency: "USD"}, SalePrice: &database.Money{Amount: "15.00", Currency: "USD"},
				OnSale: true, SKU: "H-2", Status: database.StatusPublished,
			},
			{ID: 3, Name: "Secret", Status: database.StatusDraft},
		},
		reviews: []database.Review{
			{
				ID: 10, ProductID: 1, PostType: "product", Author: "Ann", Content: "Great!", Rating: &rating,
				CreatedAt: time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), ApprovalState: database.ReviewApproved,
			},
			{ID: 11, ProductID: 1, PostType: "product", Author: "Spammer", Content: "buy now", ApprovalState: database.ReviewSpam},
			{ID: 12, ProductID: 1, PostType: "product", Author: "Bob", Content: "Hmm", ApprovalState: database.ReviewPending},
			{ID: 13, ProductID: 3, PostType: "product", Author: "Eve", Content: "Draft product", ApprovalState: database.ReviewApproved},
			{ID: 14, ProductID: 2, PostType: "post", Author: "Blog", Content: "Not a product", ApprovalState: database.ReviewApproved},
		},
	}
}

func TestGenerateProductFeedIsConsumableRSS(t *testing.T) {
	f := newFixture(t, sampleCatalog())

	data, err := f.gen.Generate(context.Background(), KindProduct, false)
	require.NoError(t, err)

	parsed, err := gofeed.NewParser().ParseString(string(data))
	require.NoError(t, err)

	assert.Equal(t, "rss", parsed.FeedType)
	assert.Equal(t, "2.0", parsed.FeedVersion)
	assert.Equal(t, "Product Feed", parsed.Title)
	require.Len(t, parsed.Items, 2)

	first := parsed.Items[0].Extensions["g"]
	require.NotNil(t, first)
	assert.Equal(t, "Widget", first["title"][0].Value)
	assert.Equal(t, "9.99 USD", first["price"][0].Value)
	assert.Equal(t, "Tools > Hand Tools", first["product_type"][0].Value)
	assert.Equal(t, "W-1", first["sku"][0].Value)
	assert.NotContains(t, first, "sale_price")

	second := parsed.Items[1].Extensions["g"]
	require.NotNil(t, second)
	assert.Equal(t, "15.00 USD", second["sale_price"][0].Value)
	assert.NotContains(t, second, "product_type")
}

func TestGenerateSkipsUnmappableProducts(t *testing.T) {
	catalog := sampleCatalog()
	catalog.products = append(catalog.products,
		database.Product{ID: 4, Name: "", Status: database.StatusPublished},
		database.Product{ID: 5, Name: "   ", Status: database.StatusPublished},
	)
	f := newFixture(t, catalog)

	data, err := f.gen.Generate(context.Background(), KindProduct, false)
	require.NoError(t, err)

	parsed, err := gofeed.NewParser().ParseString(string(data))
	require.NoError(t, err)
	assert.Len(t, parsed.Items, 2, "published products minus failed mappings")

	status := f.gen.Status()[KindProduct]
	assert.Equal(t, 2, status.Entries)
	assert.Equal(t, 2, status.Skipped)
	assert.Equal(t, 2, f.metrics.skipped)
}

func TestGenerateReviewFeed(t *testing.T) {
	withLocal(t, time.UTC)
	f := newFixture(t, sampleCatalog())

	data, err := f.gen.Generate(context.Background(), KindReview, false)
	require.NoError(t, err)

	want := `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:g="http://base.google.com/ns/1.0">
  <entry>
    <g:id>W-1</g:id>
    <g:title>Widget</g:title>
    <g:content>Great!</g:content>
    <g:reviewer>Ann</g:reviewer>
    <g:review_date>2024-03-02</g:review_date>
    <g:rating>5</g:rating>
  </entry>
</feed>
`
	assert.Equal(t, want, string(data))
}

func TestGenerateReviewFeedOnlyApproved(t *testing.T) {
	states := []database.ApprovalState{
		database.ReviewApproved, database.ReviewPending, database.ReviewSpam, database.ReviewTrash, "",
	}

	catalog := &fakeCatalog{products: []database.Product{widget()}}
	for i, state := range states {
		catalog.reviews = append(catalog.reviews, database.Review{
			ID: int64(100 + i), ProductID: 1, Author: string(state) + "-author", Content: "c", ApprovalState: state,
		})
	}
	f := newFixture(t, catalog)

	data, err := f.gen.Generate(context.Background(), KindReview, false)
	require.NoError(t, err)

	assert.Contains(t, string(data), "approved-author")
	for _, state := range states[1:] {
		assert.NotContains(t, string(data), "<g:reviewer>"+string(state)+"-author</g:reviewer>")
	}
	assert.Equal(t, 1, f.gen.Status()[KindReview].Entries)
}

func TestGenerateEmptyReviewFeed(t *testing.T) {
	f := newFixture(t, &fakeCatalog{})

	data, err := f.gen.Generate(context.Background(), KindReview, false)
	require.NoError(t, err)
	assert.Equal(t, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<feed xmlns:g=\"http://base.google.com/ns/1.0\"/>\n", string(data))
}

func TestGenerateUsesCacheWithoutCatalogAccess(t *testing.T) {
	catalog := sampleCatalog()
	f := newFixture(t, catalog)
	ctx := context.Background()

	first, err := f.gen.Generate(ctx, KindProduct, true)
	require.NoError(t, err)
	require.Equal(t, int32(1), catalog.productCalls.Load())

	catalog.set(func(c *fakeCatalog) { c.err = errors.New("db down") })

	second, err := f.gen.Generate(ctx, KindProduct, true)
	require.NoError(t, err)
	assert.Equal(t, first, second, "idempotent while cached")
	assert.Equal(t, int32(1), catalog.productCalls.Load(), "cache hit must not touch the catalog")
	assert.Equal(t, 1, f.metrics.hits)
}

func TestGenerateIsDeterministic(t *testing.T) {
	f := newFixture(t, sampleCatalog())
	ctx := context.Background()

	first, err := f.gen.Generate(ctx, KindProduct, false)
	require.NoError(t, err)
	second, err := f.gen.Generate(ctx, KindProduct, false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestGenerateWithoutCacheRebuilds(t *testing.T) {
	catalog := sampleCatalog()
	f := newFixture(t, catalog)
	ctx := context.Background()

	_, err := f.gen.Generate(ctx, KindProduct, true)
	require.NoError(t, err)
	_, err = f.gen.Generate(ctx, KindProduct, false)
	require.NoError(t, err)

	assert.Equal(t, int32(2), catalog.productCalls.Load())
}

func TestRefreshReplacesCachedPayload(t *testing.T) {
	catalog := sampleCatalog()
	f := newFixture(t, catalog)
	ctx := context.Background()

	before, err := f.gen.Generate(ctx, KindProduct, true)
	require.NoError(t, err)

	catalog.set(func(c *fakeCatalog) { c.products[0].Name = "Widget Pro" })

	refreshed, err := f.gen.Refresh(ctx, KindProduct)
	require.NoError(t, err)
	assert.NotEqual(t, before, refreshed)
	assert.Contains(t, string(refreshed), "Widget Pro")

	cached, ok, err := f.cache.Get(ctx, "google_product_feed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, refreshed, cached)

	after, err := f.gen.Generate(ctx, KindProduct, true)
	require.NoError(t, err)
	assert.Equal(t, refreshed, after)
	assert.Equal(t, 1, f.metrics.invalidated)
}

func TestRefreshFailureLeavesCacheEmpty(t *testing.T) {
	catalog := sampleCatalog()
	f := newFixture(t, catalog)
	ctx := context.Background()

	_, err := f.gen.Generate(ctx, KindProduct, true)
	require.NoError(t, err)

	catalog.set(func(c *fakeCatalog) { c.err = errors.New("db down") })

	_, err = f.gen.Refresh(ctx, KindProduct)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	_, ok, err := f.cache.Get(ctx, "google_product_feed")
	require.NoError(t, err)
	assert.False(t, ok, "pre-invalidation payload must not survive")
}

func TestInvalidateForcesRegeneration(t *testing.T) {
	catalog := sampleCatalog()
	f := newFixture(t, catalog)
	ctx := context.Background()

	_, err := f.gen.Generate(ctx, KindReview, true)
	require.NoError(t, err)

	require.NoError(t, f.gen.Invalidate(ctx, KindReview))
	catalog.set(func(c *fakeCatalog) { c.reviews[1].ApprovalState = database.ReviewApproved })

	data, err := f.gen.Generate(ctx, KindReview, true)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Spammer")
	assert.Equal(t, int32(2), catalog.reviewCalls.Load())
}

func TestGenerateUpstreamUnavailable(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("connection refused")}
	f := newFixture(t, catalog)

	_, err := f.gen.Generate(context.Background(), KindProduct, true)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, 1, f.metrics.generations["product/error"])
	assert.NotEmpty(t, f.gen.Status()[KindProduct].Error)

	_, ok, _ := f.cache.Get(context.Background(), "google_product_feed")
	assert.False(t, ok)
}

func TestGenerateTimesOut(t *testing.T) {
	catalog := &fakeCatalog{block: true}
	f := newFixture(t, catalog)
	f.gen.timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := f.gen.Generate(context.Background(), KindProduct, false)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGeneratePersistsAndServesStale(t *testing.T) {
	catalog := sampleCatalog()
	f := newFixture(t, catalog)
	ctx := context.Background()

	_, _, err := f.gen.Stale(ctx, KindProduct)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	data, err := f.gen.Generate(ctx, KindProduct, false)
	require.NoError(t, err)
	assert.True(t, f.gen.Status()[KindProduct].Persisted)

	onDisk, err := f.blobs.Load(ctx, "smarty_google_product_feed.xml")
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	stale, modTime, err := f.gen.Stale(ctx, KindProduct)
	require.NoError(t, err)
	assert.Equal(t, data, stale)
	assert.False(t, modTime.IsZero())
}

func TestGeneratePersistenceFailureIsNotFatal(t *testing.T) {
	catalog := sampleCatalog()
	metrics := newRecordingMetrics()
	gen := NewGenerator(GeneratorOptions{
		Products: catalog,
		Reviews:  catalog,
		Cache:    cache.NewMemory(),
		Blobs:    failingBlobs{},
		Metrics:  metrics,
	})

	data, err := gen.Generate(context.Background(), KindProduct, false)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, 1, metrics.persistFails)
	assert.False(t, gen.Status()[KindProduct].Persisted)
}

func TestGenerateConcurrentColdReadsBuildOnce(t *testing.T) {
	catalog := sampleCatalog()
	f := newFixture(t, catalog)

	const readers = 16
	results := make([][]byte, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := f.gen.Generate(context.Background(), KindProduct, true)
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), catalog.productCalls.Load())
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestGenerateUnknownKind(t *testing.T) {
	f := newFixture(t, sampleCatalog())

	_, err := f.gen.Generate(context.Background(), Kind("orders"), true)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPartialFailureError(t *testing.T) {
	p := &PartialFailure{Kind: KindProduct, Attempted: 3}
	p.add(7, ErrMissingRequiredField)

	assert.Equal(t, 1, p.Failed())
	assert.ErrorIs(t, p, ErrMissingRequiredField)
	assert.Contains(t, p.Error(), "1 of 3")
}
