// Package storageproxy implements the write-side relay: it accepts uploads
// locally, makes them durable on disk, and a worker pool delivers them to
// the target storage server with retry and flood avoidance. A crash never
// loses an accepted upload; startup recovery re-enqueues everything that
// survived.
package storageproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ltessier/mediastore/internal/alert"
	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/client"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
	"github.com/ltessier/mediastore/pkg/record"
)

// Suffixes of the on-disk queue files. A content file carries no suffix;
// PartSuffix marks an in-flight copy and MetaSuffix the record descriptor.
const (
	PartSuffix = ".part"
	MetaSuffix = ".meta"
)

// Upstream identifies the storage server an upload targets.
type Upstream struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (u Upstream) dir() string {
	return fmt.Sprintf("%s_%d", u.Host, u.Port)
}

func (u Upstream) String() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// Options tune the relay.
type Options struct {
	// Root is the directory queued uploads persist under.
	Root string

	// Workers is the upload worker count.
	Workers int

	// UploadTimeout bounds each delivery attempt.
	UploadTimeout time.Duration

	// FloodInterval is the initial hold-off after a delivery failure;
	// consecutive failures back off exponentially from it.
	FloodInterval time.Duration

	// QueueSize bounds the in-memory queue. The on-disk state is the source
	// of truth; the channel only carries pointers to it.
	QueueSize int
}

// descriptor is the record header persisted beside queued content.
type descriptor struct {
	UID      string              `json:"uid"`
	Keys     record.Keys         `json:"keys"`
	Physical client.PutPhysical  `json:"physical"`
	Policy   *client.PutPolicies `json:"policy,omitempty"`
	Meta     map[string]any      `json:"meta,omitempty"`
}

// entry is one queued upload.
type entry struct {
	server      Upstream
	contentPath string
	metaPath    string
}

// Relay owns the durable upload queue and its workers.
type Relay struct {
	opts    Options
	alerts  *alert.Dispatcher
	metrics *prommetrics.Metrics

	// clientFor is replaceable in tests.
	clientFor func(Upstream) *client.Client
	now       func() time.Time

	queue chan entry

	floodMu sync.Mutex
	flooded map[string]*floodState
}

// floodState holds one server's retry schedule.
type floodState struct {
	retryAfter time.Time
	backoff    *backoff.ExponentialBackOff
}

// New assembles a Relay and recovers any uploads that survived a previous
// run.
func New(opts Options, alerts *alert.Dispatcher, metrics *prommetrics.Metrics) (*Relay, error) {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 5 * time.Minute
	}
	if opts.FloodInterval <= 0 {
		opts.FloodInterval = 2500 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if err := os.MkdirAll(opts.Root, 0o700); err != nil {
		return nil, fmt.Errorf("creating relay root: %w", err)
	}

	r := &Relay{
		opts:    opts,
		alerts:  alerts,
		metrics: metrics,
		clientFor: func(u Upstream) *client.Client {
			return client.New(u.Host, u.Port)
		},
		now:     time.Now,
		queue:   make(chan entry, opts.QueueSize),
		flooded: make(map[string]*floodState),
	}
	if err := r.recover(); err != nil {
		return nil, err
	}
	return r, nil
}

// AcceptResult is the identifier pair returned to the submitter.
type AcceptResult struct {
	UID  string      `json:"uid"`
	Keys record.Keys `json:"keys"`
}

// Accept makes one upload durable and enqueues it: the source file is copied
// to a staged path, the descriptor written beside it, and the staged copy
// atomically renamed into place. The response returns before delivery.
func (r *Relay) Accept(server Upstream, sourcePath string, desc descriptor) (*AcceptResult, error) {
	if desc.UID == "" {
		desc.UID = record.NewUID()
	}
	// Uploads relayed through the proxy are always keyed; a facet the
	// submitter left out is generated here so the response can carry it.
	if desc.Keys.Read == nil {
		key, err := record.GenerateKey()
		if err != nil {
			return nil, err
		}
		desc.Keys.Read = &key
	}
	if desc.Keys.Write == nil {
		key, err := record.GenerateKey()
		if err != nil {
			return nil, err
		}
		desc.Keys.Write = &key
	}

	dir := filepath.Join(r.opts.Root, server.dir())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, r.diskFault(err)
	}

	contentPath := filepath.Join(dir, desc.UID)
	partPath := contentPath + PartSuffix
	metaPath := contentPath + MetaSuffix

	if err := copyFile(sourcePath, partPath); err != nil {
		return nil, r.diskFault(err)
	}

	raw, err := json.Marshal(desc)
	if err != nil {
		os.Remove(partPath)
		return nil, err
	}
	if err := os.WriteFile(metaPath, raw, 0o600); err != nil {
		os.Remove(partPath)
		return nil, r.diskFault(err)
	}

	// The rename commits the upload: from here on, recovery will find a
	// complete (content, meta) pair.
	if err := os.Rename(partPath, contentPath); err != nil {
		os.Remove(partPath)
		os.Remove(metaPath)
		return nil, r.diskFault(err)
	}

	logger.Info("accepted upload for relay",
		logger.KeyUID, desc.UID, logger.KeyServer, server.String())
	r.enqueue(entry{server: server, contentPath: contentPath, metaPath: metaPath})

	return &AcceptResult{UID: desc.UID, Keys: desc.Keys}, nil
}

// Run drives the worker pool until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
}

// floodPollInterval paces a worker that keeps drawing entries for flooded
// servers, so a single stuck upload does not spin the pool.
const floodPollInterval = 250 * time.Millisecond

func (r *Relay) runWorker(ctx context.Context, worker int) {
	for {
		var e entry
		select {
		case <-ctx.Done():
			return
		case e = <-r.queue:
		}
		r.metrics.SetRelayQueueDepth(len(r.queue))

		if r.isFlooded(e.server) {
			logger.Debug("target server flooded; re-queuing",
				logger.KeyServer, e.server.String(), "worker", worker)
			r.enqueue(e)
			select {
			case <-ctx.Done():
				return
			case <-time.After(floodPollInterval):
			}
			continue
		}

		r.deliver(ctx, e)
	}
}

// deliver attempts one upload and finalizes the entry by outcome.
func (r *Relay) deliver(ctx context.Context, e entry) {
	raw, err := os.ReadFile(e.metaPath)
	if err != nil {
		logger.Error("unable to read queued descriptor; discarding entry",
			logger.KeyPath, e.metaPath, logger.Err(err))
		r.discard(e)
		return
	}
	var desc descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		logger.Error("corrupt queued descriptor; discarding entry",
			logger.KeyPath, e.metaPath, logger.Err(err))
		r.discard(e)
		return
	}

	content, err := os.Open(e.contentPath)
	if err != nil {
		logger.Error("unable to open queued content; discarding entry",
			logger.KeyPath, e.contentPath, logger.Err(err))
		r.discard(e)
		return
	}

	logger.Info("uploading queued entity",
		logger.KeyUID, desc.UID, logger.KeyServer, e.server.String())
	_, err = r.clientFor(e.server).Put(ctx, client.PutHeader{
		UID:      desc.UID,
		Keys:     &desc.Keys,
		Physical: desc.Physical,
		Policy:   desc.Policy,
		Meta:     desc.Meta,
	}, content, client.PutOptions{Timeout: r.opts.UploadTimeout})

	// The handle must be closed before unlinking; some filesystems refuse
	// to remove open files.
	content.Close()

	switch {
	case err == nil:
		logger.Info("uploaded queued entity", logger.KeyUID, desc.UID)
		r.clearFlood(e.server)
		r.unlinkEntry(e)
		r.metrics.RecordRelayUpload("ok")
	case client.IsTerminal(err):
		logger.Error("queued entity rejected by server; discarding",
			logger.KeyUID, desc.UID, logger.Err(err))
		r.discard(e)
	default:
		logger.Warn("upload failed; re-queuing entity",
			logger.KeyUID, desc.UID, logger.KeyServer, e.server.String(), logger.Err(err))
		r.markFlooded(e.server)
		r.enqueue(e)
		r.metrics.RecordRelayUpload("retry")
	}
}

func (r *Relay) enqueue(e entry) {
	r.queue <- e
	r.metrics.SetRelayQueueDepth(len(r.queue))
}

func (r *Relay) discard(e entry) {
	r.unlinkEntry(e)
	r.metrics.RecordRelayUpload("discarded")
}

func (r *Relay) unlinkEntry(e entry) {
	for _, path := range []string{e.contentPath, e.metaPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("unable to unlink relayed file", logger.KeyPath, path, logger.Err(err))
		}
	}
}

// isFlooded reports whether the server is still in its hold-off window. An
// expired mark stays in the table so the backoff schedule carries across
// consecutive failures; delivery success removes it.
func (r *Relay) isFlooded(server Upstream) bool {
	r.floodMu.Lock()
	defer r.floodMu.Unlock()
	state, ok := r.flooded[server.String()]
	if !ok {
		return false
	}
	if r.now().After(state.retryAfter) {
		return false
	}
	return true
}

// markFlooded starts or extends a server's hold-off window, backing off
// exponentially while failures continue.
func (r *Relay) markFlooded(server Upstream) {
	r.floodMu.Lock()
	defer r.floodMu.Unlock()
	state, ok := r.flooded[server.String()]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.opts.FloodInterval
		b.MaxElapsedTime = 0
		b.Reset()
		state = &floodState{backoff: b}
		r.flooded[server.String()] = state
	}
	state.retryAfter = r.now().Add(state.backoff.NextBackOff())
	r.metrics.SetFloodedServers(len(r.flooded))
}

func (r *Relay) clearFlood(server Upstream) {
	r.floodMu.Lock()
	defer r.floodMu.Unlock()
	delete(r.flooded, server.String())
	r.metrics.SetFloodedServers(len(r.flooded))
}

// recover scans the relay root and re-enqueues every upload that was
// committed before a crash. Staging residue and content without a
// descriptor are unlinked; survivors are shuffled so restarted replicas do
// not retry in lockstep.
func (r *Relay) recover() error {
	dirs, err := os.ReadDir(r.opts.Root)
	if err != nil {
		return err
	}

	var survivors []entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		server, ok := parseServerDir(d.Name())
		if !ok {
			logger.Warn("directory does not name a server; skipping",
				logger.KeyPath, filepath.Join(r.opts.Root, d.Name()))
			continue
		}
		dir := filepath.Join(r.opts.Root, d.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			name := f.Name()
			path := filepath.Join(dir, name)
			switch {
			case strings.HasSuffix(name, PartSuffix):
				logger.Info("unlinking partial upload", logger.KeyPath, path)
				if err := os.Remove(path); err != nil {
					logger.Warn("unable to unlink partial upload", logger.KeyPath, path, logger.Err(err))
				}
			case !strings.Contains(name, "."):
				metaPath := path + MetaSuffix
				if _, err := os.Stat(metaPath); err != nil {
					logger.Info("unlinking upload without descriptor", logger.KeyPath, path)
					if err := os.Remove(path); err != nil {
						logger.Warn("unable to unlink orphaned upload", logger.KeyPath, path, logger.Err(err))
					}
					continue
				}
				logger.Info("recovered queued upload", logger.KeyPath, path)
				survivors = append(survivors, entry{
					server:      server,
					contentPath: path,
					metaPath:    metaPath,
				})
			}
		}
	}

	rand.Shuffle(len(survivors), func(i, j int) {
		survivors[i], survivors[j] = survivors[j], survivors[i]
	})
	for _, e := range survivors {
		r.enqueue(e)
	}
	if len(survivors) > 0 {
		logger.Info("recovered queued uploads", "count", len(survivors))
	}
	return nil
}

// parseServerDir splits a "<host>_<port>" directory name; the host may
// itself contain underscores, so the split happens at the last one.
func parseServerDir(name string) (Upstream, bool) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 {
		return Upstream{}, false
	}
	port, err := strconv.Atoi(name[idx+1:])
	if err != nil || port <= 0 {
		return Upstream{}, false
	}
	return Upstream{Host: name[:idx], Port: port}, true
}

func (r *Relay) diskFault(err error) error {
	logger.Error("relay filesystem fault", logger.Err(err))
	r.alerts.Send("Storage proxy cannot write files to disk: " + err.Error())
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
