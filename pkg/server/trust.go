package server

import (
	"net"
	"net/http"

	"github.com/ltessier/mediastore/pkg/record"
)

// Trust is the per-request authorization result, one boolean per facet.
type Trust struct {
	Read  bool
	Write bool
}

// trustFor computes request trust. Trusted hosts bypass key checks entirely.
// With a record in scope, each facet is granted when the stored key is nil
// (anonymous) or matches the presented key exactly. Without a record (query),
// only host trust can grant anything.
func (s *Server) trustFor(r *record.Record, keys *presentedKeys, remoteIP string) Trust {
	if _, ok := s.trusted[remoteIP]; ok {
		return Trust{Read: true, Write: true}
	}
	if r == nil {
		return Trust{}
	}
	return Trust{
		Read:  facetGranted(r.Keys.Read, keys.readKey()),
		Write: facetGranted(r.Keys.Write, keys.writeKey()),
	}
}

func facetGranted(stored, presented *string) bool {
	if stored == nil {
		return true
	}
	return presented != nil && *stored == *presented
}

func (k *presentedKeys) readKey() *string {
	if k == nil {
		return nil
	}
	return k.Read
}

func (k *presentedKeys) writeKey() *string {
	if k == nil {
		return nil
	}
	return k.Write
}

// clientIP extracts the caller's address; the RealIP middleware has already
// rewritten RemoteAddr when forwarded headers are present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
