package maintenance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltessier/mediastore/pkg/backend"
	"github.com/ltessier/mediastore/pkg/compression"
	"github.com/ltessier/mediastore/pkg/family"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
	"github.com/ltessier/mediastore/pkg/record"
	"github.com/ltessier/mediastore/pkg/recordstore"
	badgerstore "github.com/ltessier/mediastore/pkg/recordstore/badger"
)

// faultyBackend fails a configurable number of staged writes before
// delegating, to exercise the compression loop's backout path.
type faultyBackend struct {
	backend.Backend
	failPuts int
}

func (f *faultyBackend) Put(ctx context.Context, path string, src io.Reader, staged bool) error {
	if staged && f.failPuts > 0 {
		f.failPuts--
		return fmt.Errorf("injected write failure")
	}
	return f.Backend.Put(ctx, path, src, staged)
}

type env struct {
	maintainer *Maintainer
	store      recordstore.Store
	backend    *faultyBackend
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	local, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	faulty := &faultyBackend{Backend: local}

	families, err := family.NewRouter(map[string]backend.Backend{family.Generic: faulty})
	require.NoError(t, err)

	return &env{
		maintainer: New(store, families, compression.NewRegistry(nil), prommetrics.NullMetrics()),
		store:      store,
		backend:    faulty,
	}
}

func (e *env) putRecord(t *testing.T, rec *record.Record, body string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.Insert(ctx, rec))
	require.NoError(t, e.backend.Put(ctx, rec.ResolvePath(), strings.NewReader(body), false))
}

func expiredRecord(uid string, now time.Time) *record.Record {
	return &record.Record{
		UID: uid,
		Physical: record.Physical{
			Ctime:  float64(now.Add(-time.Hour).Unix()),
			Atime:  now.Add(-time.Hour).Unix(),
			MinRes: 5,
			Format: record.Format{Mime: "text/plain"},
		},
		Meta: map[string]any{},
	}
}

func TestSweepDeletionsRemovesExpired(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now()

	expired := expiredRecord("uid-expired", now)
	expired.Policy.Delete = record.Policy{Fixed: now.Add(-time.Minute).Unix()}
	e.putRecord(t, expired, "old")

	kept := expiredRecord("uid-kept", now)
	kept.Policy.Delete = record.Policy{Fixed: now.Add(time.Hour).Unix()}
	e.putRecord(t, kept, "new")

	processed, err := e.maintainer.SweepDeletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	_, err = e.store.Get(ctx, "uid-expired")
	assert.ErrorIs(t, err, recordstore.ErrNotFound)
	exists, err := e.backend.FileExists(ctx, expired.ResolvePath())
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = e.store.Get(ctx, "uid-kept")
	assert.NoError(t, err)
}

func TestSweepDeletionsToleratesMissingBlob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now()

	rec := expiredRecord("uid-ghost", now)
	rec.Policy.Delete = record.Policy{Fixed: now.Add(-time.Minute).Unix()}
	require.NoError(t, e.store.Insert(ctx, rec))

	processed, err := e.maintainer.SweepDeletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	_, err = e.store.Get(ctx, "uid-ghost")
	assert.ErrorIs(t, err, recordstore.ErrNotFound)
}

func TestSweepCompressionsConverts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now()
	payload := strings.Repeat("a", 10_000)

	rec := expiredRecord("uid-compress", now)
	rec.Policy.Compress = record.CompressPolicy{
		Policy: record.Policy{Fixed: now.Add(-time.Minute).Unix()},
		Comp:   compression.FormatBZ2,
	}
	e.putRecord(t, rec, payload)

	processed, err := e.maintainer.SweepCompressions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err := e.store.Get(ctx, "uid-compress")
	require.NoError(t, err)
	assert.Equal(t, compression.FormatBZ2, got.Physical.Format.Comp)
	assert.True(t, got.Policy.Compress.Empty())
	assert.Empty(t, got.Policy.Compress.Comp)

	// The stored blob decompresses back to the original payload.
	blob, err := e.backend.Get(ctx, got.ResolvePath())
	require.NoError(t, err)
	defer blob.Close()
	transform, err := compression.NewRegistry(nil).Decompressor(compression.FormatBZ2)
	require.NoError(t, err)
	plain, err := transform(blob)
	require.NoError(t, err)
	defer plain.Close()
	restored, err := io.ReadAll(plain)
	require.NoError(t, err)
	assert.Equal(t, payload, string(restored))
}

func TestSweepCompressionsRetriesAfterWriteFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now()
	payload := strings.Repeat("b", 5_000)

	rec := expiredRecord("uid-retry", now)
	rec.Policy.Compress = record.CompressPolicy{
		Policy: record.Policy{Fixed: now.Add(-time.Minute).Unix()},
		Comp:   compression.FormatGzip,
	}
	e.putRecord(t, rec, payload)

	// First pass: the staged write fails; nothing changes.
	e.backend.failPuts = 1
	processed, err := e.maintainer.SweepCompressions(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)

	got, err := e.store.Get(ctx, "uid-retry")
	require.NoError(t, err)
	assert.Empty(t, got.Physical.Format.Comp)
	assert.Equal(t, compression.FormatGzip, got.Policy.Compress.Comp)

	// The old blob still serves.
	blob, err := e.backend.Get(ctx, got.ResolvePath())
	require.NoError(t, err)
	raw, err := io.ReadAll(blob)
	blob.Close()
	require.NoError(t, err)
	assert.Equal(t, payload, string(raw))

	// Second pass succeeds.
	processed, err = e.maintainer.SweepCompressions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err = e.store.Get(ctx, "uid-retry")
	require.NoError(t, err)
	assert.Equal(t, compression.FormatGzip, got.Physical.Format.Comp)
	assert.True(t, got.Policy.Compress.Empty())
}

func TestSweepCompressionsClearsSatisfiedPolicy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now()

	rec := expiredRecord("uid-done", now)
	rec.Physical.Format.Comp = compression.FormatGzip
	rec.Policy.Compress = record.CompressPolicy{
		Policy: record.Policy{Fixed: now.Add(-time.Minute).Unix()},
		Comp:   compression.FormatGzip,
	}
	e.putRecord(t, rec, "already gzipped bytes")

	processed, err := e.maintainer.SweepCompressions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err := e.store.Get(ctx, "uid-done")
	require.NoError(t, err)
	assert.True(t, got.Policy.Compress.Empty())
	assert.Equal(t, compression.FormatGzip, got.Physical.Format.Comp)
}

func TestSweepOrphanedRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now()

	orphan := expiredRecord("uid-orphan", now)
	require.NoError(t, e.store.Insert(ctx, orphan))

	healthy := expiredRecord("uid-healthy", now)
	e.putRecord(t, healthy, "bytes")

	dropped, err := e.maintainer.SweepOrphanedRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	_, err = e.store.Get(ctx, "uid-orphan")
	assert.ErrorIs(t, err, recordstore.ErrNotFound)
	_, err = e.store.Get(ctx, "uid-healthy")
	assert.NoError(t, err)
}

func TestSweepOrphanedFiles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now()

	healthy := expiredRecord("uid-healthy", now)
	e.putRecord(t, healthy, "bytes")

	// A file with no record.
	require.NoError(t, e.backend.Put(ctx, "2020/1/1/0/0/uid-stray", bytes.NewReader([]byte("stray")), false))

	removed, err := e.maintainer.SweepOrphanedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := e.backend.FileExists(ctx, "2020/1/1/0/0/uid-stray")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = e.backend.FileExists(ctx, healthy.ResolvePath())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunSkipsLoopsWithoutWindows(t *testing.T) {
	e := newEnv(t)

	// No loop has a window, so Run returns as soon as it has inspected
	// the configuration.
	done := make(chan struct{})
	go func() {
		e.maintainer.Run(context.Background(), Config{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return with all loops disabled")
	}
}
