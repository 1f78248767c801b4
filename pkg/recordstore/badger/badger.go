// Package badger persists records in an embedded BadgerDB key-value store.
//
// Layout:
//
//	rec/<uid>                 JSON-encoded record
//	ctm/<ctime-be64><uid>     creation-time ordering index
//	fam/<family>              set of family names ever observed
//
// The ctime index key encodes the IEEE-754 bits of the creation time
// big-endian, which sorts correctly for the non-negative timestamps records
// carry. Creation time is immutable, so index entries never move.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/record"
	"github.com/ltessier/mediastore/pkg/recordstore"
)

var (
	prefixRecord = []byte("rec/")
	prefixCtime  = []byte("ctm/")
	prefixFamily = []byte("fam/")
)

// Store implements recordstore.Store on BadgerDB.
type Store struct {
	db *badger.DB
}

// Options configures Open.
type Options struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

// Open opens (creating if necessary) the record database.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{}).
		WithInMemory(opts.InMemory)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening record database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close implements recordstore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(uid string) []byte {
	return append(append([]byte{}, prefixRecord...), uid...)
}

func ctimeKey(ctime float64, uid string) []byte {
	key := make([]byte, 0, len(prefixCtime)+8+len(uid))
	key = append(key, prefixCtime...)
	key = binary.BigEndian.AppendUint64(key, math.Float64bits(ctime))
	return append(key, uid...)
}

func familyKey(family string) []byte {
	return append(append([]byte{}, prefixFamily...), family...)
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return fmt.Errorf("%w: %v", recordstore.ErrUnavailable, err)
	}
	return err
}

// Insert implements recordstore.Store.
func (s *Store) Insert(ctx context.Context, r *record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", r.UID, err)
	}
	key := recordKey(r.UID)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return recordstore.ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		if err := txn.Set(ctimeKey(r.Physical.Ctime, r.UID), []byte(r.UID)); err != nil {
			return err
		}
		return txn.Set(familyKey(r.FamilyName()), nil)
	})
	return wrapErr(err)
}

// Get implements recordstore.Store.
func (s *Store) Get(ctx context.Context, uid string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var r *record.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getRecord(txn, uid)
		return err
	})
	return r, wrapErr(err)
}

func getRecord(txn *badger.Txn, uid string) (*record.Record, error) {
	item, err := txn.Get(recordKey(uid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, recordstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r record.Record
	if err := item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, &r)
	}); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", uid, err)
	}
	return &r, nil
}

// Update implements recordstore.Store.
func (s *Store) Update(ctx context.Context, r *record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", r.UID, err)
	}
	key := recordKey(r.UID)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return recordstore.ErrNotFound
			}
			return err
		}
		return txn.Set(key, raw)
	})
	return wrapErr(err)
}

// Delete implements recordstore.Store.
func (s *Store) Delete(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		r, err := getRecord(txn, uid)
		if err != nil {
			return err
		}
		if err := txn.Delete(recordKey(uid)); err != nil {
			return err
		}
		return txn.Delete(ctimeKey(r.Physical.Ctime, uid))
	})
	return wrapErr(err)
}

// Exists implements recordstore.Store.
func (s *Store) Exists(ctx context.Context, uid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(uid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, wrapErr(err)
}

// WalkByCtime implements recordstore.Store by scanning the ctime index.
func (s *Store) WalkByCtime(ctx context.Context, fn func(*record.Record) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixCtime
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var uid string
			if err := it.Item().Value(func(v []byte) error {
				uid = string(v)
				return nil
			}); err != nil {
				return err
			}
			r, err := getRecord(txn, uid)
			if errors.Is(err, recordstore.ErrNotFound) {
				// Index entry left behind by an interrupted delete.
				logger.Warn("dangling ctime index entry", "uid", uid)
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr(err)
}

// Query implements recordstore.Store.
func (s *Store) Query(ctx context.Context, q recordstore.Query, onlyAnonymous bool) ([]*record.Record, error) {
	match, err := recordstore.Compile(q, onlyAnonymous)
	if err != nil {
		return nil, err
	}
	var out []*record.Record
	err = s.WalkByCtime(ctx, func(r *record.Record) error {
		if match(r) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// DueForDeletion implements recordstore.Store.
func (s *Store) DueForDeletion(ctx context.Context, now int64) ([]*record.Record, error) {
	var out []*record.Record
	err := s.WalkByCtime(ctx, func(r *record.Record) error {
		if r.Policy.Delete.DueBefore(now) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// DueForCompression implements recordstore.Store. Records already stored in
// the target format are included so the caller can clear their policy.
func (s *Store) DueForCompression(ctx context.Context, now int64) ([]*record.Record, error) {
	var out []*record.Record
	err := s.WalkByCtime(ctx, func(r *record.Record) error {
		p := r.Policy.Compress
		if p.Comp != "" && p.DueBefore(now) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Families implements recordstore.Store.
func (s *Store) Families(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var families []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixFamily
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			families = append(families, string(it.Item().Key()[len(prefixFamily):]))
		}
		return nil
	})
	return families, wrapErr(err)
}

// RunGC triggers a value-log garbage collection pass. Intended to be called
// periodically by the owning process.
func (s *Store) RunGC() {
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}

// badgerLogger adapts badger's logger interface to the process logger at a
// reduced severity; badger is chatty at INFO.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

var _ recordstore.Store = (*Store)(nil)
