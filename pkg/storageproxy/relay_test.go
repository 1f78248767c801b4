package storageproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
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
	relay    *Relay
	upstream *client.Client
	root     string

	// down simulates an unreachable storage server.
	down atomic.Bool
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
		if env.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.FloodInterval == 0 {
		opts.FloodInterval = 50 * time.Millisecond
	}
	relay, err := New(opts, alert.NewDispatcher(alert.Config{}), prommetrics.NullMetrics())
	require.NoError(t, err)
	relay.clientFor = func(Upstream) *client.Client {
		return client.NewForURL(ts.URL)
	}

	env.relay = relay
	env.upstream = client.NewForURL(ts.URL)
	env.root = opts.Root
	return env
}

func testTarget() Upstream {
	return Upstream{Host: "stor1", Port: 1234}
}

func writeSource(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func textDescriptor() descriptor {
	return descriptor{
		Physical: client.PutPhysical{Format: record.Format{Mime: "text/plain"}},
	}
}

func startWorkers(t *testing.T, r *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
}

func TestAcceptIsDurable(t *testing.T) {
	env := newTestEnv(t, Options{})

	result, err := env.relay.Accept(testTarget(), writeSource(t, "payload"), textDescriptor())
	require.NoError(t, err)
	assert.NotEmpty(t, result.UID)
	require.NotNil(t, result.Keys.Read)
	require.NotNil(t, result.Keys.Write)
	assert.NotEmpty(t, *result.Keys.Read)
	assert.NotEmpty(t, *result.Keys.Write)
	assert.NotEqual(t, *result.Keys.Read, *result.Keys.Write)

	dir := filepath.Join(env.root, "stor1_1234")
	content, err := os.ReadFile(filepath.Join(dir, result.UID))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
	assert.FileExists(t, filepath.Join(dir, result.UID+MetaSuffix))
	assert.NoFileExists(t, filepath.Join(dir, result.UID+PartSuffix))
}

func TestAcceptKeepsSubmittedIdentifiers(t *testing.T) {
	env := newTestEnv(t, Options{})

	readKey, writeKey := "rkey", "wkey"
	desc := textDescriptor()
	desc.UID = "chosen-uid"
	desc.Keys = record.Keys{Read: &readKey, Write: &writeKey}

	result, err := env.relay.Accept(testTarget(), writeSource(t, "x"), desc)
	require.NoError(t, err)
	assert.Equal(t, "chosen-uid", result.UID)
	assert.Equal(t, "rkey", *result.Keys.Read)
	assert.Equal(t, "wkey", *result.Keys.Write)
}

func TestDeliveryRemovesLocalFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{Workers: 1})
	startWorkers(t, env.relay)

	result, err := env.relay.Accept(testTarget(), writeSource(t, "relayed"), textDescriptor())
	require.NoError(t, err)

	dir := filepath.Join(env.root, "stor1_1234")
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, result.UID))
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(dir, result.UID+MetaSuffix))

	got, err := env.upstream.Get(ctx, result.UID, result.Keys.Read, client.GetOptions{})
	require.NoError(t, err)
	body, _ := io.ReadAll(got.Body)
	got.Body.Close()
	assert.Equal(t, "relayed", string(body))
}

func TestInvalidRecordIsTerminal(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1})
	startWorkers(t, env.relay)

	// No MIME type: the storage server refuses the record outright.
	result, err := env.relay.Accept(testTarget(), writeSource(t, "junk"), descriptor{})
	require.NoError(t, err)

	dir := filepath.Join(env.root, "stor1_1234")
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, result.UID))
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(dir, result.UID+MetaSuffix))

	_, err = env.upstream.Describe(context.Background(), result.UID, result.Keys.Read)
	var notFound *client.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestFailedDeliveryFloodsAndRetries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{Workers: 1})
	env.down.Store(true)
	startWorkers(t, env.relay)

	result, err := env.relay.Accept(testTarget(), writeSource(t, "delayed"), textDescriptor())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.relay.isFlooded(testTarget())
	}, 5*time.Second, 10*time.Millisecond)

	// Files survive while the target is unreachable.
	dir := filepath.Join(env.root, "stor1_1234")
	assert.FileExists(t, filepath.Join(dir, result.UID))

	env.down.Store(false)
	require.Eventually(t, func() bool {
		_, err := env.upstream.Describe(ctx, result.UID, result.Keys.Read)
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, result.UID))
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, env.relay.isFlooded(testTarget()))
}

func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{Workers: 2})
	env.down.Store(true)

	// Workers never run: these uploads stay on disk, as after a crash.
	var results []*AcceptResult
	for _, body := range []string{"one", "two", "three", "four", "five"} {
		result, err := env.relay.Accept(testTarget(), writeSource(t, body), textDescriptor())
		require.NoError(t, err)
		results = append(results, result)
	}

	// Crash residue: a partial transfer and a content file whose
	// descriptor never made it to disk.
	dir := filepath.Join(env.root, "stor1_1234")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "torn"+PartSuffix), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan"), []byte("x"), 0o600))

	recovered, err := New(Options{Root: env.root, Workers: 2, FloodInterval: 50 * time.Millisecond},
		alert.NewDispatcher(alert.Config{}), prommetrics.NullMetrics())
	require.NoError(t, err)
	recovered.clientFor = env.relay.clientFor

	assert.NoFileExists(t, filepath.Join(dir, "torn"+PartSuffix))
	assert.NoFileExists(t, filepath.Join(dir, "orphan"))
	assert.Len(t, recovered.queue, 5)

	env.down.Store(false)
	startWorkers(t, recovered)

	for _, result := range results {
		result := result
		require.Eventually(t, func() bool {
			_, err := env.upstream.Describe(ctx, result.UID, result.Keys.Read)
			return err == nil
		}, 10*time.Second, 50*time.Millisecond)
	}
	require.Eventually(t, func() bool {
		files, err := os.ReadDir(dir)
		return err == nil && len(files) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestParseServerDir(t *testing.T) {
	up, ok := parseServerDir("stor1_1234")
	require.True(t, ok)
	assert.Equal(t, Upstream{Host: "stor1", Port: 1234}, up)

	up, ok = parseServerDir("my_host_80")
	require.True(t, ok)
	assert.Equal(t, Upstream{Host: "my_host", Port: 80}, up)

	for _, name := range []string{"nodash", "host_", "_80", "host_zero0x"} {
		_, ok := parseServerDir(name)
		assert.False(t, ok, name)
	}
}

func TestPutHTTPSurface(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1})
	startWorkers(t, env.relay)

	proxy := NewProxy(env.relay, prommetrics.NullMetrics())
	ts := httptest.NewServer(proxy.Router())
	t.Cleanup(ts.Close)

	source := writeSource(t, "through http")
	payload, err := json.Marshal(map[string]any{
		"physical": map[string]any{"format": map[string]any{"mime": "text/plain"}},
		"meta":     map[string]any{"origin": "relay-test"},
		"proxy": map[string]any{
			"server": map[string]any{"host": "stor1", "port": 1234},
			"data":   source,
		},
	})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/put", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result AcceptResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.UID)
	require.NotNil(t, result.Keys.Read)

	require.Eventually(t, func() bool {
		_, err := env.upstream.Describe(context.Background(), result.UID, result.Keys.Read)
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	// Incomplete envelopes are refused before touching the disk.
	resp, err = http.Post(ts.URL+"/put", "application/json",
		strings.NewReader(`{"proxy": {"server": {"host": "stor1", "port": 1234}}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
