package refcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu     sync.Mutex
	sheets map[string][][]string
	err    error
	calls  map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		sheets: map[string][][]string{
			"Stores":         {{"Store Name", "Address", "Store Code"}, {"Leeds", "1 Briggate", "LDS"}, {"", "no name", "X"}, {"York"}},
			"Categories":     {{"Category"}, {"Electrical"}, {"Plumbing"}},
			"Urgency Levels": {{"Level"}, {"low"}, {"Critical"}, {"Someday"}},
		},
		calls: map[string]int{},
	}
}

func (f *fakeReader) ReadWorksheet(_ context.Context, name string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.err != nil {
		return nil, f.err
	}
	return f.sheets[name], nil
}

func (f *fakeReader) set(fn func(*fakeReader)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(reader Reader) (*Cache, *clock, *logtest.Hook) {
	clk := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	log, hook := logtest.NewNullLogger()
	return New(reader, time.Hour, log, WithClock(clk.Now)), clk, hook
}

func TestGetFreshEntryDoesNotRefetch(t *testing.T) {
	reader := newFakeReader()
	c, clk, _ := newTestCache(reader)
	ctx := context.Background()

	first := c.Get(ctx, KeyCategories)
	assert.Equal(t, []string{"Electrical", "Plumbing"}, first.Values())
	assert.False(t, first.Stale)
	assert.False(t, first.Fallback)

	clk.Advance(59 * time.Minute)
	second := c.Get(ctx, KeyCategories)
	assert.Equal(t, first.Values(), second.Values())
	assert.Equal(t, 1, reader.calls["Categories"])
}

func TestGetExpiredEntryRefetches(t *testing.T) {
	reader := newFakeReader()
	c, clk, _ := newTestCache(reader)
	ctx := context.Background()

	c.Get(ctx, KeyCategories)
	reader.set(func(f *fakeReader) { f.sheets["Categories"] = [][]string{{"Category"}, {"HVAC"}} })
	clk.Advance(time.Hour)

	res := c.Get(ctx, KeyCategories)
	assert.Equal(t, []string{"HVAC"}, res.Values())
	assert.Equal(t, 2, reader.calls["Categories"])
	assert.Equal(t, clk.Now(), res.FetchedAt)
}

func TestGetServesStaleOnFailure(t *testing.T) {
	reader := newFakeReader()
	c, clk, hook := newTestCache(reader)
	ctx := context.Background()

	c.Get(ctx, KeyStores)
	reader.set(func(f *fakeReader) { f.err = errors.New("quota") })
	clk.Advance(2 * time.Hour)

	res := c.Get(ctx, KeyStores)
	assert.True(t, res.Stale)
	assert.False(t, res.Fallback)
	assert.Equal(t, []string{"Leeds", "York"}, res.Values())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestGetFallbackWhenNothingCached(t *testing.T) {
	reader := newFakeReader()
	reader.err = errors.New("unreachable")
	c, _, hook := newTestCache(reader)

	res := c.Get(context.Background(), KeyUrgency)
	assert.True(t, res.Fallback)
	assert.Equal(t, []string{"Low", "Medium", "High", "Critical"}, res.Values())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	stores := c.Get(context.Background(), KeyStores)
	assert.Equal(t, []string{"Other / Unlisted store"}, stores.Values())

	categories := c.Get(context.Background(), KeyCategories)
	assert.Contains(t, categories.Values(), "Electrical")
	assert.Contains(t, categories.Values(), "Other")
}

func TestEmptyWorksheetCountsAsFailure(t *testing.T) {
	reader := newFakeReader()
	reader.sheets["Categories"] = [][]string{{"Category"}, {""}}
	c, _, _ := newTestCache(reader)

	res := c.Get(context.Background(), KeyCategories)
	assert.True(t, res.Fallback)
}

func TestMissingHeaderCountsAsFailure(t *testing.T) {
	reader := newFakeReader()
	reader.sheets["Stores"] = [][]string{{"Name"}, {"Leeds"}}
	c, _, _ := newTestCache(reader)

	assert.True(t, c.Get(context.Background(), KeyStores).Fallback)
}

func TestStoreRowsKeepAddressAndCode(t *testing.T) {
	c, _, _ := newTestCache(newFakeReader())
	res := c.Get(context.Background(), KeyStores)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, Row{Value: "Leeds", Address: "1 Briggate", Code: "LDS"}, res.Rows[0])
	assert.Equal(t, Row{Value: "York"}, res.Rows[1])
}

func TestUrgencyRowsAreNormalised(t *testing.T) {
	c, _, _ := newTestCache(newFakeReader())
	res := c.Get(context.Background(), KeyUrgency)
	assert.Equal(t, []string{"Low", "Critical"}, res.Values())
	assert.True(t, res.Contains("Critical"))
	assert.False(t, res.Contains("Someday"))
}

func TestInvalidate(t *testing.T) {
	reader := newFakeReader()
	c, _, _ := newTestCache(reader)
	ctx := context.Background()

	for _, k := range Keys {
		c.Get(ctx, k)
	}
	c.Invalidate(KeyCategories)
	c.Get(ctx, KeyCategories)
	c.Get(ctx, KeyStores)
	assert.Equal(t, 2, reader.calls["Categories"])
	assert.Equal(t, 1, reader.calls["Stores"])

	c.InvalidateAll()
	for _, k := range Keys {
		c.Get(ctx, k)
	}
	assert.Equal(t, 2, reader.calls["Stores"])
	assert.Equal(t, 2, reader.calls["Urgency Levels"])
}

func TestInvalidatedEntryIsNotServedStale(t *testing.T) {
	reader := newFakeReader()
	c, _, _ := newTestCache(reader)
	ctx := context.Background()

	c.Get(ctx, KeyCategories)
	c.Invalidate(KeyCategories)
	reader.set(func(f *fakeReader) { f.err = errors.New("down") })

	assert.True(t, c.Get(ctx, KeyCategories).Fallback)
}

func TestConcurrentReadersSeeWholeLists(t *testing.T) {
	reader := newFakeReader()
	c, clk, _ := newTestCache(reader)
	ctx := context.Background()
	lists := [][]string{{"A1", "A2", "A3"}, {"B1", "B2", "B3"}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				vals := c.Get(ctx, KeyCategories).Values()
				if len(vals) == 3 {
					assert.Equal(t, vals[0][:1], vals[2][:1], "mixed list %v", vals)
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		list := lists[j%2]
		reader.set(func(f *fakeReader) {
			f.sheets["Categories"] = [][]string{{"Category"}, {list[0]}, {list[1]}, {list[2]}}
		})
		c.Invalidate(KeyCategories)
		clk.Advance(time.Minute)
	}
	wg.Wait()
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("urgency")
	require.NoError(t, err)
	assert.Equal(t, KeyUrgency, k)

	_, err = ParseKey("suppliers")
	assert.ErrorIs(t, err, ErrUnknownKey)
}
