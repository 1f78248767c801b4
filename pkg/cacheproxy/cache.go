// Package cacheproxy implements the colocated read-side cache: it pins
// recently requested entities from an upstream storage server on local disk,
// serves repeat reads without touching the network, and expires entries on a
// TTL schedule.
package cacheproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ltessier/mediastore/internal/alert"
	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/client"
	"github.com/ltessier/mediastore/pkg/compression"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
)

// MetaSuffix marks the sidecar file holding a cached entity's description.
const MetaSuffix = ".meta"

// ErrPermission reports that the presented read key does not match the key
// the cached entity was fetched with.
var ErrPermission = errors.New("cacheproxy: read key rejected")

// Upstream identifies the storage server a request relays to.
type Upstream struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (u Upstream) dir() string {
	return fmt.Sprintf("%s_%d", u.Host, u.Port)
}

// Options tune the cache.
type Options struct {
	// Root is the local directory cached entities live under. It is wiped
	// at startup: cached state never survives a restart.
	Root string

	// MinCacheTime and MaxCacheTime clamp the per-entity TTL requested via
	// the _cache:ttl meta key.
	MinCacheTime time.Duration
	MaxCacheTime time.Duration

	// Timeout bounds each upstream fetch.
	Timeout time.Duration

	// PurgeInterval is the purger's wake-up period.
	PurgeInterval time.Duration
}

// entry pins one cached entity until its expiration.
type entry struct {
	expiration  int64
	contentPath string
	metaPath    string
}

// Cache is the ordered collection of pinned entities plus the download path
// that fills it. One instance is constructed at startup and shared by the
// HTTP surface and the purger.
type Cache struct {
	opts    Options
	codecs  *compression.Registry
	alerts  *alert.Dispatcher
	metrics *prommetrics.Metrics

	// clientFor is replaceable in tests.
	clientFor func(Upstream) *client.Client
	now       func() time.Time

	mu      sync.Mutex
	entries []entry
	flight  singleflight.Group
}

// New wipes the cache root and assembles a Cache.
func New(opts Options, codecs *compression.Registry, alerts *alert.Dispatcher,
	metrics *prommetrics.Metrics) (*Cache, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = 30 * time.Second
	}
	if err := clearRoot(opts.Root); err != nil {
		return nil, fmt.Errorf("clearing cache root: %w", err)
	}
	return &Cache{
		opts:    opts,
		codecs:  codecs,
		alerts:  alerts,
		metrics: metrics,
		clientFor: func(u Upstream) *client.Client {
			return client.New(u.Host, u.Port)
		},
		now: time.Now,
	}, nil
}

// clearRoot removes every leftover cached file under root, keeping the root
// itself.
func clearRoot(root string) error {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return err
	}
	names, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, name := range names {
		path := filepath.Join(root, name.Name())
		logger.Info("removing stale cached state", logger.KeyPath, path)
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

// Content is a cached entity ready to serve. The caller owns Body.
type Content struct {
	Body io.ReadCloser
	Mime string

	// Comp names the compression the body is still stored with; the cache
	// never decompresses.
	Comp string

	// Attributes are the file attributes derived from the record's
	// _file:-prefixed meta keys and its extension.
	Attributes map[string]any
}

// Get serves an entity's content from the cache, downloading it first when
// absent.
func (c *Cache) Get(ctx context.Context, up Upstream, uid string, readKey *string) (*Content, error) {
	meta, err := c.retrieve(ctx, up, uid, readKey)
	if err != nil {
		return nil, err
	}

	body, err := os.Open(c.contentPath(up, uid))
	if err != nil {
		c.reportDiskFault(err)
		return nil, err
	}
	return &Content{
		Body:       body,
		Mime:       metaString(meta, "physical", "format", "mime"),
		Comp:       metaString(meta, "physical", "format", "comp"),
		Attributes: fileAttributes(meta),
	}, nil
}

// Describe serves an entity's description from the cache, downloading it
// first when absent.
func (c *Cache) Describe(ctx context.Context, up Upstream, uid string, readKey *string) (map[string]any, error) {
	return c.retrieve(ctx, up, uid, readKey)
}

// retrieve ensures the entity is cached and its stamped read key matches the
// presented one, returning the cached description.
func (c *Cache) retrieve(ctx context.Context, up Upstream, uid string, readKey *string) (map[string]any, error) {
	contentPath := c.contentPath(up, uid)
	metaPath := contentPath + MetaSuffix

	if !fileExists(contentPath) || !fileExists(metaPath) {
		c.metrics.RecordCacheEvent("miss")
		// Concurrent requests for the same entity share one download.
		_, err, _ := c.flight.Do(up.dir()+"/"+uid, func() (any, error) {
			return nil, c.download(ctx, up, uid, readKey, contentPath, metaPath)
		})
		if err != nil {
			return nil, err
		}
	} else {
		c.metrics.RecordCacheEvent("hit")
	}

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		c.reportDiskFault(err)
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt cached description for %s: %w", uid, err)
	}

	if !readKeyMatches(meta, readKey) {
		return nil, fmt.Errorf("%w for %s", ErrPermission, uid)
	}
	return meta, nil
}

// download fetches the entity and its description from the upstream server
// and pins them.
func (c *Cache) download(ctx context.Context, up Upstream, uid string, readKey *string,
	contentPath, metaPath string) error {
	logger.Info("downloading entity into cache",
		logger.KeyUID, uid, "upstream", up.Host, "port", up.Port)

	if err := os.MkdirAll(filepath.Dir(contentPath), 0o700); err != nil {
		c.reportDiskFault(err)
		return err
	}

	cl := c.clientFor(up)

	// The blob stays in its stored format: the cache advertises every codec
	// so the server never spends cycles decompressing for it.
	res, err := cl.Get(ctx, uid, readKey, client.GetOptions{
		SupportedCompression: c.codecs.Formats(),
		Timeout:              c.opts.Timeout,
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	cf, err := os.Create(contentPath)
	if err != nil {
		c.reportDiskFault(err)
		return err
	}
	if _, err := io.Copy(cf, res.Body); err != nil {
		cf.Close()
		os.Remove(contentPath)
		c.reportDiskFault(err)
		return err
	}
	if err := cf.Close(); err != nil {
		os.Remove(contentPath)
		c.reportDiskFault(err)
		return err
	}

	meta, err := cl.Describe(ctx, uid, readKey)
	if err != nil {
		os.Remove(contentPath)
		return err
	}
	// The key that fetched the entity gates every later cache read.
	meta["keys"] = map[string]any{"read": readKey}

	raw, err := json.Marshal(meta)
	if err != nil {
		os.Remove(contentPath)
		return err
	}
	if err := os.WriteFile(metaPath, raw, 0o600); err != nil {
		os.Remove(contentPath)
		c.reportDiskFault(err)
		return err
	}

	c.mu.Lock()
	c.entries = append(c.entries, entry{
		expiration:  c.now().Unix() + int64(c.clampTTL(meta).Seconds()),
		contentPath: contentPath,
		metaPath:    metaPath,
	})
	c.mu.Unlock()
	return nil
}

// clampTTL reads the record's requested _cache:ttl (seconds) and clamps it
// to the configured bounds.
func (c *Cache) clampTTL(meta map[string]any) time.Duration {
	ttl := time.Duration(0)
	if inner, ok := meta["meta"].(map[string]any); ok {
		if v, ok := inner["_cache:ttl"].(float64); ok {
			ttl = time.Duration(v * float64(time.Second))
		}
	}
	if ttl < c.opts.MinCacheTime {
		ttl = c.opts.MinCacheTime
	}
	if ttl > c.opts.MaxCacheTime {
		ttl = c.opts.MaxCacheTime
	}
	return ttl
}

// Purge unlinks every entry whose expiration has passed, returning how many
// were dropped. Entries expire in order, so the scan stops at the first
// still-live entry.
func (c *Cache) Purge() int {
	now := c.now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].expiration < c.entries[j].expiration
	})

	purged := 0
	for _, e := range c.entries {
		if e.expiration > now {
			break
		}
		logger.Info("purging expired cached entity", logger.KeyPath, e.contentPath)
		for _, path := range []string{e.contentPath, e.metaPath} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Error("unable to unlink cached file", logger.KeyPath, path, logger.Err(err))
			}
		}
		c.metrics.RecordCacheEvent("purge")
		purged++
	}
	c.entries = c.entries[purged:]
	return purged
}

// RunPurger drives Purge on the configured interval until ctx is cancelled.
func (c *Cache) RunPurger(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}

func (c *Cache) contentPath(up Upstream, uid string) string {
	return filepath.Join(c.opts.Root, up.dir(), uid)
}

// reportDiskFault logs and alerts on local filesystem trouble; a cache that
// cannot touch its own disk needs an operator.
func (c *Cache) reportDiskFault(err error) {
	logger.Error("cache filesystem fault", logger.Err(err))
	c.alerts.Send("Caching proxy cannot access files on disk: " + err.Error())
}

// readKeyMatches compares the presented read key against the one stamped
// into the cached description.
func readKeyMatches(meta map[string]any, presented *string) bool {
	keys, _ := meta["keys"].(map[string]any)
	stored, hasStored := keys["read"].(string)
	if !hasStored {
		return presented == nil
	}
	return presented != nil && *presented == stored
}

// fileAttributes derives serveable file attributes from the description:
// the optional filename extension plus every _file:-prefixed meta key.
func fileAttributes(meta map[string]any) map[string]any {
	attrs := map[string]any{}
	if ext := metaString(meta, "physical", "format", "ext"); ext != "" {
		attrs["_ext"] = ext
	}
	if inner, ok := meta["meta"].(map[string]any); ok {
		for key, value := range inner {
			if rest, found := strings.CutPrefix(key, "_file:"); found {
				attrs[rest] = value
			}
		}
	}
	return attrs
}

// metaString digs a string out of nested description maps.
func metaString(meta map[string]any, path ...string) string {
	current := any(meta)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = m[key]
	}
	s, _ := current.(string)
	return s
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
