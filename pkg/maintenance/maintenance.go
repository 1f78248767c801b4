// Package maintenance runs the storage server's background loops: lifecycle
// deletion, recompression, and the two orphan reconcilers that restore
// record/file coherence. Every loop is gated by execution windows and
// exposes a single-sweep entry point the scheduler (and the tests) drive.
package maintenance

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/backend"
	"github.com/ltessier/mediastore/pkg/compression"
	"github.com/ltessier/mediastore/pkg/family"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
	"github.com/ltessier/mediastore/pkg/record"
	"github.com/ltessier/mediastore/pkg/recordstore"
)

// outsideWindowSleep is how long a loop waits before rechecking its window.
const outsideWindowSleep = 60 * time.Second

// LoopConfig gates one loop.
type LoopConfig struct {
	Windows Windows
	// Sleep is the pause between complete sweeps inside a window.
	Sleep time.Duration
}

// Config carries the per-loop gates.
type Config struct {
	Deletion         LoopConfig
	Compression      LoopConfig
	RecordReconciler LoopConfig
	// FileReconciler must be explicitly windowed to run at all; with a
	// wiped record store it would delete every file.
	FileReconciler LoopConfig
}

// Maintainer owns the background loops.
type Maintainer struct {
	store    recordstore.Store
	families *family.Router
	codecs   *compression.Registry
	metrics  *prommetrics.Metrics

	// now is replaceable in tests.
	now func() time.Time
}

// New assembles a Maintainer.
func New(store recordstore.Store, families *family.Router, codecs *compression.Registry,
	metrics *prommetrics.Metrics) *Maintainer {
	return &Maintainer{
		store:    store,
		families: families,
		codecs:   codecs,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run drives all four loops until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context, cfg Config) {
	var wg sync.WaitGroup
	loops := []struct {
		name  string
		cfg   LoopConfig
		sweep func(context.Context) (int, error)
	}{
		{"deletion", cfg.Deletion, m.SweepDeletions},
		{"compression", cfg.Compression, m.SweepCompressions},
		{"record-reconciler", cfg.RecordReconciler, m.SweepOrphanedRecords},
		{"file-reconciler", cfg.FileReconciler, m.SweepOrphanedFiles},
	}
	for _, loop := range loops {
		if loop.cfg.Windows.Empty() {
			logger.Info("maintenance loop disabled: no execution windows", "loop", loop.name)
			continue
		}
		wg.Add(1)
		go func(name string, cfg LoopConfig, sweep func(context.Context) (int, error)) {
			defer wg.Done()
			m.runLoop(ctx, name, cfg, sweep)
		}(loop.name, loop.cfg, loop.sweep)
	}
	wg.Wait()
}

func (m *Maintainer) runLoop(ctx context.Context, name string, cfg LoopConfig,
	sweep func(context.Context) (int, error)) {
	for {
		if !cfg.Windows.Contains(m.now()) {
			logger.Debug("outside execution window", "loop", name)
			if !sleepCtx(ctx, outsideWindowSleep) {
				return
			}
			continue
		}

		// Inside the window, sweep until the working set is empty.
		for {
			processed, err := sweep(ctx)
			if err != nil {
				logger.Error("maintenance sweep failed", "loop", name, logger.Err(err))
				m.metrics.RecordSweep(name, "error", processed)
				break
			}
			m.metrics.RecordSweep(name, "ok", processed)
			if processed == 0 {
				break
			}
		}

		if !sleepCtx(ctx, cfg.Sleep) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// SweepDeletions removes every record whose deletion policy has fired,
// together with its blob. Per-record failures are logged and skipped.
func (m *Maintainer) SweepDeletions(ctx context.Context) (int, error) {
	due, err := m.store.DueForDeletion(ctx, m.now().Unix())
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		logger.Info("removing expired record", logger.KeyUID, rec.UID)
		b := m.families.Resolve(rec.FamilyName())
		err := b.Unlink(ctx, rec.ResolvePath(), rec.PruneSafe(m.now()))
		if err != nil && !backend.IsNotFound(err) {
			logger.Warn("unable to unlink expired entity", logger.KeyUID, rec.UID, logger.Err(err))
			continue
		}
		if err := m.store.Delete(ctx, rec.UID); err != nil && !errors.Is(err, recordstore.ErrNotFound) {
			logger.Warn("unable to drop expired record", logger.KeyUID, rec.UID, logger.Err(err))
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepCompressions converts every record whose compression policy has
// fired into its target format.
func (m *Maintainer) SweepCompressions(ctx context.Context) (int, error) {
	due, err := m.store.DueForCompression(ctx, m.now().Unix())
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if m.compressRecord(ctx, rec) {
			processed++
		}
	}
	return processed, nil
}

// compressRecord performs one conversion. Each step is a backout point:
// failure before the record update leaves everything as it was; failure
// after it wastes space the next sweep reclaims.
func (m *Maintainer) compressRecord(ctx context.Context, rec *record.Record) bool {
	target := rec.Policy.Compress.Comp
	current := rec.Physical.Format.Comp

	if current == target {
		rec.Policy.Compress = record.CompressPolicy{}
		if err := m.store.Update(ctx, rec); err != nil {
			logger.Warn("unable to clear satisfied compression policy",
				logger.KeyUID, rec.UID, logger.Err(err))
			return false
		}
		return true
	}

	logger.Info("recompressing entity", logger.KeyUID, rec.UID, logger.KeyComp, target)
	b := m.families.Resolve(rec.FamilyName())
	oldPath := rec.ResolvePath()

	blob, err := b.Get(ctx, oldPath)
	if err != nil {
		logger.Warn("unable to read entity for recompression", logger.KeyUID, rec.UID, logger.Err(err))
		return false
	}
	defer blob.Close()

	src := io.Reader(blob)
	if current != "" {
		transform, err := m.codecs.Decompressor(current)
		if err != nil {
			logger.Warn("unknown stored compression format", logger.KeyUID, rec.UID, logger.Err(err))
			return false
		}
		decompressed, err := transform(blob)
		if err != nil {
			logger.Warn("unable to decompress entity", logger.KeyUID, rec.UID, logger.Err(err))
			return false
		}
		defer decompressed.Close()
		src = decompressed
	}

	transform, err := m.codecs.Compressor(target)
	if err != nil {
		logger.Warn("unknown target compression format", logger.KeyUID, rec.UID, logger.Err(err))
		return false
	}
	converted, err := transform(src)
	if err != nil {
		logger.Warn("unable to compress entity", logger.KeyUID, rec.UID, logger.Err(err))
		return false
	}
	defer converted.Close()

	// The new blob lands on the old one's path, so it goes through a
	// staged write: a crash mid-write must never expose a torn file.
	if err := b.Put(ctx, oldPath, converted, true); err != nil {
		logger.Warn("unable to write recompressed entity; backing out",
			logger.KeyUID, rec.UID, logger.Err(err))
		return false
	}
	if err := b.MakePermanent(ctx, oldPath); err != nil {
		logger.Warn("unable to commit recompressed entity; backing out",
			logger.KeyUID, rec.UID, logger.Err(err))
		return false
	}

	rec.Physical.Format.Comp = target
	rec.Policy.Compress = record.CompressPolicy{}
	if err := m.store.Update(ctx, rec); err != nil {
		logger.Error("unable to update record after recompression; will retry",
			logger.KeyUID, rec.UID, logger.Err(err))
		return false
	}

	// Legacy layouts encoded the format into the filename; if the paths
	// diverge, the old file is leakage to reclaim.
	if newPath := rec.ResolvePath(); newPath != oldPath {
		if err := b.Unlink(ctx, oldPath, false); err != nil && !backend.IsNotFound(err) {
			logger.Error("unable to unlink superseded entity; space leaked",
				logger.KeyPath, oldPath, logger.Err(err))
		}
	}
	return true
}

// SweepOrphanedRecords drops every record whose blob is missing.
func (m *Maintainer) SweepOrphanedRecords(ctx context.Context) (int, error) {
	dropped := 0
	err := m.store.WalkByCtime(ctx, func(rec *record.Record) error {
		b := m.families.Resolve(rec.FamilyName())
		exists, err := b.FileExists(ctx, rec.ResolvePath())
		if err != nil {
			logger.Warn("unable to probe entity", logger.KeyUID, rec.UID, logger.Err(err))
			return nil
		}
		if exists {
			return nil
		}
		logger.Warn("record without matching entity; dropping", logger.KeyUID, rec.UID)
		if err := m.store.Delete(ctx, rec.UID); err != nil {
			logger.Warn("unable to drop orphaned record", logger.KeyUID, rec.UID, logger.Err(err))
			return nil
		}
		dropped++
		return nil
	})
	return dropped, err
}

// SweepOrphanedFiles unlinks every file whose record is missing. The uid is
// the filename up to the first dot, so staged and metadata siblings resolve
// to the same record as their content file.
func (m *Maintainer) SweepOrphanedFiles(ctx context.Context) (int, error) {
	removed := 0
	err := m.families.Each(func(name string, b backend.Backend) error {
		logger.Info("reconciling family filesystem", logger.KeyFamily, name)
		return b.Walk(ctx, func(subpath string, files []string) error {
			for _, filename := range files {
				uid, _, _ := strings.Cut(filename, ".")
				exists, err := m.store.Exists(ctx, uid)
				if err != nil {
					return err
				}
				if exists {
					continue
				}
				path := filename
				if subpath != "" {
					path = subpath + "/" + filename
				}
				logger.Warn("entity without matching record; unlinking", logger.KeyPath, path)
				if err := b.Unlink(ctx, path, false); err != nil && !backend.IsNotFound(err) {
					logger.Warn("unable to unlink orphaned entity", logger.KeyPath, path, logger.Err(err))
					continue
				}
				removed++
			}
			return nil
		})
	})
	return removed, err
}
