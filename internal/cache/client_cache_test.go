package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fuomag9/indieauth/internal/discovery"
)

type countingDiscoverer struct {
	calls   atomic.Int32
	fetched bool
	release chan struct{}
}

func (d *countingDiscoverer) Discover(_ context.Context, clientID string) *discovery.ClientInfo {
	d.calls.Add(1)
	if d.release != nil {
		<-d.release
	}
	if !d.fetched {
		return &discovery.ClientInfo{ClientID: clientID}
	}
	return &discovery.ClientInfo{
		ClientID:     clientID,
		ClientName:   "Example App",
		RedirectURIs: []string{"https://login.example.net/callback"},
		WasFetched:   true,
	}
}

type countingRecorder struct {
	hits, misses atomic.Int32
}

func (r *countingRecorder) ClientCache(hit bool) {
	if hit {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestClientCacheStoresFetchedMetadata(t *testing.T) {
	t.Parallel()

	mr, rdb := newRedis(t)
	next := &countingDiscoverer{fetched: true}
	recorder := &countingRecorder{}
	cache := NewClientCache(next, rdb, time.Minute, recorder, zap.NewNop())
	ctx := context.Background()

	first := cache.Discover(ctx, "https://app.example.com/")
	second := cache.Discover(ctx, "https://app.example.com/")

	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, first, second)
	assert.True(t, second.WasFetched)
	assert.Equal(t, []string{"https://login.example.net/callback"}, second.RedirectURIs)
	assert.Equal(t, int32(1), recorder.hits.Load())
	assert.Equal(t, int32(1), recorder.misses.Load())
	assert.True(t, mr.Exists(keyPrefix+"https://app.example.com/"))

	mr.FastForward(2 * time.Minute)
	cache.Discover(ctx, "https://app.example.com/")
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestClientCacheSkipsUnfetched(t *testing.T) {
	t.Parallel()

	mr, rdb := newRedis(t)
	next := &countingDiscoverer{}
	cache := NewClientCache(next, rdb, time.Minute, nil, zap.NewNop())
	ctx := context.Background()

	info := cache.Discover(ctx, "https://app.example.com/")
	assert.False(t, info.WasFetched)
	cache.Discover(ctx, "https://app.example.com/")

	assert.Equal(t, int32(2), next.calls.Load())
	assert.False(t, mr.Exists(keyPrefix+"https://app.example.com/"))
}

func TestClientCacheIgnoresCorruptEntries(t *testing.T) {
	t.Parallel()

	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set(keyPrefix+"https://app.example.com/", "{not json"))

	next := &countingDiscoverer{fetched: true}
	cache := NewClientCache(next, rdb, time.Minute, nil, zap.NewNop())

	info := cache.Discover(context.Background(), "https://app.example.com/")
	assert.Equal(t, "Example App", info.ClientName)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestClientCacheNamesItsLogger(t *testing.T) {
	t.Parallel()

	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set(keyPrefix+"https://app.example.com/", "{not json"))

	core, logs := observer.New(zap.WarnLevel)
	cache := NewClientCache(&countingDiscoverer{fetched: true}, rdb, time.Minute, nil, zap.New(core))
	cache.Discover(context.Background(), "https://app.example.com/")

	entries := logs.FilterMessage("discarding corrupt client cache entry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "client_cache", entries[0].LoggerName)
}

func TestClientCacheCollapsesConcurrentLookups(t *testing.T) {
	t.Parallel()

	next := &countingDiscoverer{fetched: true, release: make(chan struct{})}
	cache := NewClientCache(next, nil, time.Minute, nil, zap.NewNop())

	var wg sync.WaitGroup
	results := make([]*discovery.ClientInfo, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = cache.Discover(context.Background(), "https://app.example.com/")
		}()
	}

	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining goroutines time to join the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(next.release)
	wg.Wait()

	assert.Equal(t, int32(1), next.calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "Example App", r.ClientName)
	}

	// Callers get independent copies
	results[0].RedirectURIs[0] = "mutated"
	assert.Equal(t, "https://login.example.net/callback", results[1].RedirectURIs[0])
}

// cancelAwareDiscoverer fails the lookup when its context is done by the time it is released
type cancelAwareDiscoverer struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (d *cancelAwareDiscoverer) Discover(ctx context.Context, clientID string) *discovery.ClientInfo {
	d.once.Do(func() { close(d.started) })
	<-d.release
	if ctx.Err() != nil {
		return &discovery.ClientInfo{ClientID: clientID}
	}
	return &discovery.ClientInfo{ClientID: clientID, ClientName: "Example App", WasFetched: true}
}

func TestClientCacheSharedFetchSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	mr, rdb := newRedis(t)
	next := &cancelAwareDiscoverer{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewClientCache(next, rdb, time.Minute, nil, zap.NewNop())
	clientID := "https://app.example.com/"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	results := make([]*discovery.ClientInfo, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = cache.Discover(firstCtx, clientID)
	}()
	<-next.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = cache.Discover(context.Background(), clientID)
	}()
	// Give the second caller time to join the in-flight call
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	close(next.release)
	wg.Wait()

	require.NotNil(t, results[1])
	assert.True(t, results[1].WasFetched)
	assert.Equal(t, "Example App", results[1].ClientName)
	assert.True(t, mr.Exists(keyPrefix+clientID))
}

func TestNewRedisClientErrors(t *testing.T) {
	t.Parallel()

	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
