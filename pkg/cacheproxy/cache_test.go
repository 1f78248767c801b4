package cacheproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltessier/mediastore/internal/alert"
	"github.com/ltessier/mediastore/pkg/backend"
	"github.com/ltessier/mediastore/pkg/client"
	"github.com/ltessier/mediastore/pkg/compression"
	"github.com/ltessier/mediastore/pkg/family"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
	"github.com/ltessier/mediastore/pkg/record"
	badgerstore "github.com/ltessier/mediastore/pkg/recordstore/badger"
	"github.com/ltessier/mediastore/pkg/server"
)

type testEnv struct {
	cache    *Cache
	upstream *client.Client

	// upstreamGets counts /get requests that reached the storage server.
	upstreamGets atomic.Int64

	// getDelay stalls upstream /get responses to widen concurrency windows.
	getDelay time.Duration
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	store, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	generic, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	families, err := family.NewRouter(map[string]backend.Backend{family.Generic: generic})
	require.NoError(t, err)

	srv := server.New(store, families, compression.NewRegistry(nil),
		alert.NewDispatcher(alert.Config{}), prommetrics.NullMetrics(), server.Options{})

	env := &testEnv{}
	router := srv.Router()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/get" {
			env.upstreamGets.Add(1)
			if env.getDelay > 0 {
				time.Sleep(env.getDelay)
			}
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	cache, err := New(opts, compression.NewRegistry(nil),
		alert.NewDispatcher(alert.Config{}), prommetrics.NullMetrics())
	require.NoError(t, err)
	cache.clientFor = func(Upstream) *client.Client {
		return client.NewForURL(ts.URL)
	}

	env.cache = cache
	env.upstream = client.NewForURL(ts.URL)
	return env
}

func strptr(s string) *string { return &s }

func testUpstream() Upstream {
	return Upstream{Host: "stor1", Port: 1234}
}

func putEntity(t *testing.T, c *client.Client, body string, header client.PutHeader) *client.PutResult {
	t.Helper()
	result, err := c.Put(context.Background(), header, strings.NewReader(body), client.PutOptions{})
	require.NoError(t, err)
	return result
}

func anonymousHeader(mime string) client.PutHeader {
	return client.PutHeader{
		Keys:     &record.Keys{},
		Physical: client.PutPhysical{Format: record.Format{Mime: mime}},
	}
}

func TestGetDownloadsThenServesLocally(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})

	result := putEntity(t, env.upstream, "cached bytes", anonymousHeader("text/plain"))

	content, err := env.cache.Get(ctx, testUpstream(), result.UID, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(content.Body)
	content.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "cached bytes", string(body))
	assert.Equal(t, "text/plain", content.Mime)
	assert.EqualValues(t, 1, env.upstreamGets.Load())

	// The repeat read never touches the upstream.
	content, err = env.cache.Get(ctx, testUpstream(), result.UID, nil)
	require.NoError(t, err)
	content.Body.Close()
	assert.EqualValues(t, 1, env.upstreamGets.Load())
}

func TestConcurrentGetsShareOneDownload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})
	env.getDelay = 200 * time.Millisecond

	result := putEntity(t, env.upstream, "popular", anonymousHeader("text/plain"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content, err := env.cache.Get(ctx, testUpstream(), result.UID, nil)
			if assert.NoError(t, err) {
				body, _ := io.ReadAll(content.Body)
				content.Body.Close()
				assert.Equal(t, "popular", string(body))
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, env.upstreamGets.Load())
}

func TestReadKeyGatesCachedEntity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})

	result := putEntity(t, env.upstream, "private", client.PutHeader{
		Physical: client.PutPhysical{Format: record.Format{Mime: "text/plain"}},
	})
	require.NotNil(t, result.Keys.Read)

	// Wrong key upstream: the download itself is refused.
	_, err := env.cache.Get(ctx, testUpstream(), result.UID, strptr("wrong"))
	var denied *client.NotAuthorisedError
	require.ErrorAs(t, err, &denied)

	content, err := env.cache.Get(ctx, testUpstream(), result.UID, result.Keys.Read)
	require.NoError(t, err)
	content.Body.Close()

	// Wrong key against the cached copy: rejected locally.
	_, err = env.cache.Get(ctx, testUpstream(), result.UID, strptr("wrong"))
	assert.ErrorIs(t, err, ErrPermission)

	_, err = env.cache.Describe(ctx, testUpstream(), result.UID, strptr("wrong"))
	assert.ErrorIs(t, err, ErrPermission)
}

func TestGetMissingEntity(t *testing.T) {
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})

	_, err := env.cache.Get(context.Background(), testUpstream(), "no-such-uid", nil)
	var notFound *client.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDescribeStampsPresentedKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})

	result := putEntity(t, env.upstream, "described", client.PutHeader{
		Physical: client.PutPhysical{Format: record.Format{Mime: "text/plain"}},
	})

	meta, err := env.cache.Describe(ctx, testUpstream(), result.UID, result.Keys.Read)
	require.NoError(t, err)

	keys, ok := meta["keys"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, *result.Keys.Read, keys["read"])
}

func TestCachedBlobStaysCompressed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})

	header := anonymousHeader("text/plain")
	header.Physical.Format.Comp = compression.FormatGzip
	result, err := env.upstream.Put(ctx, header, strings.NewReader("squeeze me"),
		client.PutOptions{CompressOnServer: true})
	require.NoError(t, err)

	content, err := env.cache.Get(ctx, testUpstream(), result.UID, nil)
	require.NoError(t, err)
	defer content.Body.Close()
	assert.Equal(t, compression.FormatGzip, content.Comp)

	zr, err := gzip.NewReader(content.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "squeeze me", string(body))
}

func TestFileAttributes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})

	header := anonymousHeader("image/png")
	header.Physical.Format.Ext = "png"
	header.Meta = map[string]any{
		"_file:owner": "amy",
		"plain":       "ignored",
	}
	result := putEntity(t, env.upstream, "pixels", header)

	content, err := env.cache.Get(ctx, testUpstream(), result.UID, nil)
	require.NoError(t, err)
	content.Body.Close()

	assert.Equal(t, map[string]any{"_ext": "png", "owner": "amy"}, content.Attributes)
}

func TestPurgeExpiredEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})

	now := time.Now()
	env.cache.now = func() time.Time { return now }

	// TTL 0, no minimum: expires immediately.
	result := putEntity(t, env.upstream, "ephemeral", anonymousHeader("text/plain"))
	content, err := env.cache.Get(ctx, testUpstream(), result.UID, nil)
	require.NoError(t, err)
	content.Body.Close()

	// A second entity still within its TTL.
	header := anonymousHeader("text/plain")
	header.Meta = map[string]any{"_cache:ttl": 3600}
	pinned := putEntity(t, env.upstream, "pinned", header)
	content, err = env.cache.Get(ctx, testUpstream(), pinned.UID, nil)
	require.NoError(t, err)
	content.Body.Close()

	env.cache.now = func() time.Time { return now.Add(time.Second) }
	assert.Equal(t, 1, env.cache.Purge())

	assert.NoFileExists(t, env.cache.contentPath(testUpstream(), result.UID))
	assert.FileExists(t, env.cache.contentPath(testUpstream(), pinned.UID))

	// The purged entity downloads again on demand.
	before := env.upstreamGets.Load()
	content, err = env.cache.Get(ctx, testUpstream(), result.UID, nil)
	require.NoError(t, err)
	content.Body.Close()
	assert.Equal(t, before+1, env.upstreamGets.Load())
}

func TestTTLClamping(t *testing.T) {
	cache := &Cache{opts: Options{
		MinCacheTime: 10 * time.Second,
		MaxCacheTime: 100 * time.Second,
	}}

	meta := func(ttl float64) map[string]any {
		return map[string]any{"meta": map[string]any{"_cache:ttl": ttl}}
	}
	assert.Equal(t, 10*time.Second, cache.clampTTL(map[string]any{}))
	assert.Equal(t, 10*time.Second, cache.clampTTL(meta(1)))
	assert.Equal(t, 50*time.Second, cache.clampTTL(meta(50)))
	assert.Equal(t, 100*time.Second, cache.clampTTL(meta(7200)))
}

func TestStartupClearsRoot(t *testing.T) {
	root := t.TempDir()
	leftover := filepath.Join(root, "stor1_1234")
	require.NoError(t, os.MkdirAll(leftover, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(leftover, "stale-uid"), []byte("old"), 0o600))

	_, err := New(Options{Root: root}, compression.NewRegistry(nil),
		alert.NewDispatcher(alert.Config{}), prommetrics.NullMetrics())
	require.NoError(t, err)

	assert.NoDirExists(t, leftover)
}

func TestProxyHTTPSurface(t *testing.T) {
	env := newTestEnv(t, Options{MaxCacheTime: time.Hour})

	header := anonymousHeader("text/plain")
	header.Physical.Format.Ext = "txt"
	result := putEntity(t, env.upstream, "over the wire", header)

	proxy := NewProxy(env.cache, prommetrics.NullMetrics())
	ts := httptest.NewServer(proxy.Router())
	t.Cleanup(ts.Close)

	envelope := func(uid string, key *string) *bytes.Reader {
		raw, err := json.Marshal(map[string]any{
			"uid":  uid,
			"keys": map[string]any{"read": key},
			"proxy": map[string]any{
				"server": map[string]any{"host": "stor1", "port": 1234},
			},
		})
		require.NoError(t, err)
		return bytes.NewReader(raw)
	}

	resp, err := http.Post(ts.URL+"/get", "application/json", envelope(result.UID, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "over the wire", string(body))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get(HeaderFileAttributes), `"_ext":"txt"`)

	resp, err = http.Post(ts.URL+"/describe", "application/json", envelope(result.UID, nil))
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	resp.Body.Close()
	assert.Equal(t, result.UID, meta["uid"])

	// Wrong key against the cached copy.
	resp, err = http.Post(ts.URL+"/get", "application/json", envelope(result.UID, strptr("wrong")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Unknown entity.
	resp, err = http.Post(ts.URL+"/get", "application/json", envelope("no-such-uid", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Malformed envelope.
	resp, err = http.Post(ts.URL+"/get", "application/json", strings.NewReader(`{"uid":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
