// Package record defines the authoritative description of a stored entity:
// its identity, access keys, physical placement, lifecycle policies, and
// client metadata. The record schema is shared by the storage server, both
// proxies, and the client.
package record

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Keys holds the per-facet access secrets. A nil facet means the facet is
// world-accessible (anonymous).
type Keys struct {
	Read  *string `json:"read"`
	Write *string `json:"write"`
}

// Format describes the stored representation of the entity.
type Format struct {
	Mime string `json:"mime"`
	// Comp is the compression algorithm currently applied, empty for
	// uncompressed data.
	Comp string `json:"comp,omitempty"`
	// Ext is an optional filename extension hint carried for clients.
	Ext string `json:"ext,omitempty"`
}

// Physical captures where and how the entity's bytes live.
type Physical struct {
	// Family routes to a filesystem backend; nil means generic.
	Family *string `json:"family"`
	// Ctime is the creation time in floating-point seconds since epoch.
	// Immutable after creation; the blob path derives from it.
	Ctime float64 `json:"ctime"`
	// Atime is the last access time in integer seconds.
	Atime int64 `json:"atime"`
	// MinRes is the minute-bucket resolution in force when the record was
	// created, stored so path resolution stays stable if the configured
	// resolution later changes. Never returned to clients.
	MinRes int    `json:"minRes"`
	Format Format `json:"format"`
}

// Policy is a lifecycle trigger: Fixed is an absolute epoch, Stale is a
// number of seconds since last access, and StaleTime is the denormalized
// absolute epoch Atime+Stale maintained for range-indexed lookups. A zero
// Policy means "never".
type Policy struct {
	Fixed     int64 `json:"fixed,omitempty"`
	Stale     int64 `json:"stale,omitempty"`
	StaleTime int64 `json:"staleTime,omitempty"`
}

// Empty reports whether the policy will never fire.
func (p Policy) Empty() bool {
	return p.Fixed == 0 && p.Stale == 0
}

// DueBefore reports whether the policy has a trigger earlier than now.
func (p Policy) DueBefore(now int64) bool {
	if p.Fixed != 0 && p.Fixed < now {
		return true
	}
	if p.Stale != 0 && p.StaleTime != 0 && p.StaleTime < now {
		return true
	}
	return false
}

// CompressPolicy is a Policy with the target algorithm.
type CompressPolicy struct {
	Policy
	Comp string `json:"comp,omitempty"`
}

// Policies groups the two lifecycle policies of a record.
type Policies struct {
	Delete   Policy         `json:"delete"`
	Compress CompressPolicy `json:"compress"`
}

// Stats carries usage counters.
type Stats struct {
	Accesses int64 `json:"accesses"`
}

// Record is the authoritative description of one stored entity.
type Record struct {
	UID      string         `json:"uid"`
	Keys     Keys           `json:"keys"`
	Physical Physical       `json:"physical"`
	Policy   Policies       `json:"policy"`
	Stats    Stats          `json:"stats"`
	Meta     map[string]any `json:"meta"`
}

// FamilyName returns the family as a plain string, empty for generic.
func (r *Record) FamilyName() string {
	if r.Physical.Family == nil {
		return ""
	}
	return *r.Physical.Family
}

// ResolvePath derives the blob path from ctime and uid:
//
//	YYYY/MM/DD/HH/MM_bucket/uid
//
// with the minute bucket rounded down to the record's MinRes, in UTC. The
// mapping is deterministic; none of its inputs is ever updated.
func (r *Record) ResolvePath() string {
	ts := time.Unix(int64(r.Physical.Ctime), 0).UTC()
	minRes := r.Physical.MinRes
	if minRes <= 0 {
		minRes = 1
	}
	bucket := ts.Minute() - ts.Minute()%minRes
	return fmt.Sprintf("%d/%d/%d/%d/%d/%s",
		ts.Year(), int(ts.Month()), ts.Day(), ts.Hour(), bucket, r.UID)
}

// Touch marks a successful read at now: atime advances, the access counter
// increments, and both staleTime denormalizations are refreshed.
func (r *Record) Touch(now int64) {
	r.Physical.Atime = now
	r.Stats.Accesses++
	if r.Policy.Delete.Stale != 0 {
		r.Policy.Delete.StaleTime = now + r.Policy.Delete.Stale
	}
	if r.Policy.Compress.Stale != 0 {
		r.Policy.Compress.StaleTime = now + r.Policy.Compress.Stale
	}
}

// PruneSafe reports whether the record's bucket is old enough that directory
// pruning cannot race a concurrent write into the same bucket.
func (r *Record) PruneSafe(now time.Time) bool {
	age := now.Sub(time.Unix(int64(r.Physical.Ctime), 0))
	return age > 2*time.Duration(r.Physical.MinRes)*time.Minute
}

// NewUID generates a server-side uid: a UUID-v1 rendered as bare hex.
func NewUID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		// Extremely unlikely (clock failure); fall back to random.
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// GenerateKey produces a 6-12 character URL-safe random secret for a key
// facet the client did not supply.
func GenerateKey() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(5))
	if err != nil {
		return "", fmt.Errorf("record: generating key length: %w", err)
	}
	raw := make([]byte, 5+n.Int64())
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("record: generating key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// PolicyRequest is the client-side policy shape: Fixed is a relative number
// of seconds from now, Stale a number of seconds since last access.
type PolicyRequest struct {
	Fixed int64  `json:"fixed,omitempty"`
	Stale int64  `json:"stale,omitempty"`
	Comp  string `json:"comp,omitempty"`
}

// UnpackPolicy translates a client policy into its stored form: Fixed
// becomes an absolute epoch and StaleTime is denormalized from now.
func UnpackPolicy(req PolicyRequest, now int64) Policy {
	var p Policy
	if req.Fixed != 0 {
		p.Fixed = now + req.Fixed
	}
	if req.Stale != 0 {
		p.Stale = req.Stale
		p.StaleTime = now + req.Stale
	}
	return p
}
