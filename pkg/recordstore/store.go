// Package recordstore defines the persistence contract for records and the
// query model served by the storage server's /query operation.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ltessier/mediastore/pkg/record"
)

var (
	// ErrNotFound indicates no record exists for the uid.
	ErrNotFound = errors.New("recordstore: record not found")

	// ErrExists indicates an insert collided with an existing uid.
	ErrExists = errors.New("recordstore: record already exists")

	// ErrUnavailable indicates the store cannot currently serve requests.
	// Handlers translate it into a retryable 503.
	ErrUnavailable = errors.New("recordstore: store unavailable")

	// ErrBadFilter indicates a query carried an invalid filter expression.
	// Handlers translate it into a 409.
	ErrBadFilter = errors.New("recordstore: invalid filter")
)

// Range is a half-open-ended numeric constraint: a nil bound is
// unconstrained, set bounds are inclusive.
type Range struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// Contains reports whether v satisfies the range.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// Empty reports whether the range constrains nothing.
func (r Range) Empty() bool {
	return r.Min == nil && r.Max == nil
}

// FamilyFilter distinguishes the three family constraints a query can
// carry: absent (match any family), null (generic records only), and a
// concrete name.
type FamilyFilter struct {
	Set  bool
	Name *string
}

// UnmarshalJSON marks the filter as set; a JSON null selects the generic
// family. An absent field never reaches this method and leaves Set false.
func (f *FamilyFilter) UnmarshalJSON(b []byte) error {
	f.Set = true
	if string(b) == "null" {
		f.Name = nil
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	f.Name = &name
	return nil
}

// MarshalJSON renders the constraint: null for the generic family, the
// name otherwise. An unset filter has no JSON form of its own; Query omits
// the field entirely so absence survives a round trip.
func (f FamilyFilter) MarshalJSON() ([]byte, error) {
	if f.Name == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.Name)
}

// ForFamily builds a constraint on a concrete family name, the generic
// family as the empty string.
func ForFamily(name string) FamilyFilter {
	if name == "" {
		return FamilyFilter{Set: true}
	}
	return FamilyFilter{Set: true, Name: &name}
}

// Query selects records. When Family is set, nil matches generic records
// only. Mime matches exactly when it contains a slash and as a type prefix
// otherwise; empty matches everything. Meta values are either literals or
// filter-language strings (see Compile).
type Query struct {
	Ctime    Range          `json:"ctime"`
	Atime    Range          `json:"atime"`
	Accesses Range          `json:"accesses"`
	Family   FamilyFilter   `json:"family"`
	Mime     string         `json:"mime"`
	Meta     map[string]any `json:"meta"`
}

// queryWire mirrors Query with a pointer family so marshalling can drop
// the field when the filter is unset.
type queryWire struct {
	Ctime    Range          `json:"ctime"`
	Atime    Range          `json:"atime"`
	Accesses Range          `json:"accesses"`
	Family   *FamilyFilter  `json:"family,omitempty"`
	Mime     string         `json:"mime"`
	Meta     map[string]any `json:"meta"`
}

// MarshalJSON omits an unset family filter. Serializing it as null would
// read back as a generic-only constraint on the receiving side.
func (q Query) MarshalJSON() ([]byte, error) {
	w := queryWire{
		Ctime:    q.Ctime,
		Atime:    q.Atime,
		Accesses: q.Accesses,
		Mime:     q.Mime,
		Meta:     q.Meta,
	}
	if q.Family.Set {
		f := q.Family
		w.Family = &f
	}
	return json.Marshal(w)
}

// Store is the record persistence contract. Implementations must keep the
// ctime ordering and family enumerations consistent with the records they
// hold.
type Store interface {
	// Insert stores a new record; ErrExists on uid collision.
	Insert(ctx context.Context, r *record.Record) error

	// Get retrieves a record by uid; ErrNotFound when absent.
	Get(ctx context.Context, uid string) (*record.Record, error)

	// Update overwrites an existing record; ErrNotFound when absent.
	Update(ctx context.Context, r *record.Record) error

	// Delete removes a record; ErrNotFound when absent.
	Delete(ctx context.Context, uid string) error

	// Exists reports whether a record exists for uid.
	Exists(ctx context.Context, uid string) (bool, error)

	// Query returns records matching q in ctime order. When onlyAnonymous
	// is set, records carrying a read key are excluded.
	Query(ctx context.Context, q Query, onlyAnonymous bool) ([]*record.Record, error)

	// DueForDeletion returns records whose deletion policy has a trigger
	// earlier than now.
	DueForDeletion(ctx context.Context, now int64) ([]*record.Record, error)

	// DueForCompression returns records whose compression policy names a
	// target and has a trigger earlier than now; records already stored in
	// the target format are included so the caller can clear their policy.
	DueForCompression(ctx context.Context, now int64) ([]*record.Record, error)

	// WalkByCtime visits every record in ascending ctime order, stopping at
	// the first error returned by fn.
	WalkByCtime(ctx context.Context, fn func(*record.Record) error) error

	// Families returns every family name ever observed, the generic family
	// included as the empty string.
	Families(ctx context.Context) ([]string, error)

	Close() error
}
