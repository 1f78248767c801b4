package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/internal/spool"
	"github.com/ltessier/mediastore/pkg/record"
	"github.com/ltessier/mediastore/pkg/recordstore"
)

const (
	headerCompressOnServer     = "Compress-On-Server"
	headerSupportedCompression = "Supported-Compression"
	headerAppliedCompression   = "Applied-Compression"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": true})
}

func (s *Server) handleListFamilies(w http.ResponseWriter, r *http.Request) {
	families, err := s.listFamilies(r)
	if err != nil {
		s.respondError(w, "list/families", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"families": families})
}

// listFamilies returns the union of families known to the record store and
// the router, the generic family dropped.
func (s *Server) listFamilies(r *http.Request) ([]string, error) {
	stored, err := s.store.Families(r.Context())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, name := range stored {
		seen[name] = struct{}{}
	}
	for _, name := range s.families.Names() {
		seen[name] = struct{}{}
	}
	delete(seen, "")

	families := make([]string, 0, len(seen))
	for name := range seen {
		families = append(families, name)
	}
	sort.Strings(families)
	return families, nil
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	header, content, err := parseUpload(r)
	if err != nil {
		logger.Error("malformed upload", logger.Err(err))
		badRequest(w, "malformed upload: "+err.Error())
		return
	}
	defer content.Close()

	if header.Physical == nil || header.Physical.Format == nil || header.Physical.Format.Mime == "" {
		badRequest(w, "physical.format.mime is required")
		return
	}

	now := s.now()
	uid := header.UID
	if uid == "" {
		uid = record.NewUID()
	}
	keys, err := buildKeys(header.Keys)
	if err != nil {
		s.respondError(w, "put", err)
		return
	}
	meta := header.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	rec := &record.Record{
		UID:  uid,
		Keys: keys,
		Physical: record.Physical{
			Family: header.Physical.Family,
			Ctime:  float64(now.UnixMicro()) / 1e6,
			Atime:  now.Unix(),
			MinRes: s.opts.MinuteResolution,
			Format: record.Format{
				Mime: header.Physical.Format.Mime,
				Comp: header.Physical.Format.Comp,
				Ext:  header.Physical.Format.Ext,
			},
		},
		Policy: s.buildPolicies(header.Policy, now.Unix()),
		Meta:   meta,
	}
	logger.Info("storing entity", logger.KeyUID, rec.UID, logger.KeyMime, rec.Physical.Format.Mime)

	src := io.Reader(content)
	if rec.Physical.Format.Comp != "" && r.Header.Get(headerCompressOnServer) == "yes" {
		transform, err := s.codecs.Compressor(rec.Physical.Format.Comp)
		if err != nil {
			s.respondError(w, "put", err)
			return
		}
		compressed, err := transform(content)
		if err != nil {
			s.respondError(w, "put", err)
			return
		}
		defer compressed.Close()
		src = compressed
	}

	if err := s.store.Insert(r.Context(), rec); err != nil {
		s.respondError(w, "put", err)
		return
	}

	b := s.families.Resolve(rec.FamilyName())
	path := rec.ResolvePath()
	counted := &countingReader{src: src}
	if err := b.Put(r.Context(), path, counted, true); err != nil {
		s.respondError(w, "put", err)
		return
	}
	if err := b.MakePermanent(r.Context(), path); err != nil {
		s.respondError(w, "put", err)
		return
	}
	s.metrics.RecordBytesStored(rec.FamilyName(), counted.n)

	writeJSON(w, http.StatusOK, map[string]any{
		"uid":  rec.UID,
		"keys": rec.Keys,
	})
}

type countingReader struct {
	src io.Reader
	n   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	c.n += int64(n)
	return n, err
}

// parseUpload extracts the header JSON and content stream from an upload.
// Two framings exist: multipart/form-data with `header` and `content`
// parts, and the reverse-proxy side channel where the form carries
// `nginx=1` and `content=<path>` naming a file already spooled to disk;
// that file is unlinked as soon as it is opened.
func parseUpload(r *http.Request) (*putHeader, io.ReadCloser, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing content type: %w", err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return parseMultipartUpload(multipart.NewReader(r.Body, params["boundary"]))
	}

	if err := r.ParseForm(); err != nil {
		return nil, nil, fmt.Errorf("parsing form: %w", err)
	}
	if r.PostFormValue("nginx") == "" {
		return nil, nil, fmt.Errorf("unsupported upload framing %q", mediaType)
	}
	header, err := decodeHeader(strings.NewReader(r.PostFormValue("header")))
	if err != nil {
		return nil, nil, err
	}
	path := r.PostFormValue("content")
	if path == "" {
		return nil, nil, fmt.Errorf("no spooled file specified")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening spooled file: %w", err)
	}
	if err := os.Remove(path); err != nil {
		// The handle stays valid; space is reclaimed on close.
		logger.Error("unable to unlink spooled upload", logger.KeyPath, path, logger.Err(err))
	}
	return header, f, nil
}

func parseMultipartUpload(mr *multipart.Reader) (*putHeader, io.ReadCloser, error) {
	var header *putHeader
	var spooled *spool.Buffer

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading multipart body: %w", err)
		}
		switch part.FormName() {
		case "header":
			header, err = decodeHeader(part)
			if err != nil {
				return nil, nil, err
			}
		case "content":
			if header != nil {
				// Content is the final part; stream it directly.
				return header, part, nil
			}
			// Content preceded the header; spool it so parsing can
			// continue.
			spooled = spool.NewBuffer(spool.DefaultThreshold)
			if _, err := io.Copy(spooled, part); err != nil {
				spooled.Close()
				return nil, nil, fmt.Errorf("spooling content part: %w", err)
			}
		default:
			// Unknown parts are skipped.
		}
	}

	if header == nil {
		return nil, nil, fmt.Errorf("missing header part")
	}
	if spooled == nil {
		return nil, nil, fmt.Errorf("missing content part")
	}
	rd, err := spooled.Reader()
	if err != nil {
		return nil, nil, err
	}
	return header, rd, nil
}

func decodeHeader(src io.Reader) (*putHeader, error) {
	var h putHeader
	if err := json.NewDecoder(src).Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	return &h, nil
}

// buildKeys fills in the key facets: an absent facet gets a generated
// secret, an explicit null stays anonymous.
func buildKeys(env *keysEnvelope) (record.Keys, error) {
	var keys record.Keys
	var err error
	if env == nil {
		env = &keysEnvelope{}
	}
	keys.Read, err = resolveFacet(env.Read)
	if err != nil {
		return keys, err
	}
	keys.Write, err = resolveFacet(env.Write)
	return keys, err
}

func resolveFacet(k OptionalKey) (*string, error) {
	if k.Set {
		return k.Value, nil
	}
	secret, err := record.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

// buildPolicies translates client policies. An unsupported compression
// target is logged and dropped without failing the request.
func (s *Server) buildPolicies(p *putPolicies, now int64) record.Policies {
	var policies record.Policies
	if p == nil {
		return policies
	}
	if p.Delete != nil {
		policies.Delete = record.UnpackPolicy(*p.Delete, now)
	}
	if p.Compress != nil {
		if p.Compress.Comp != "" && s.codecs.Supported(p.Compress.Comp) {
			policies.Compress = record.CompressPolicy{
				Policy: record.UnpackPolicy(*p.Compress, now),
				Comp:   p.Compress.Comp,
			}
		} else {
			logger.Warn("unsupported compression format in policy", logger.KeyComp, p.Compress.Comp)
		}
	}
	return policies
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req uidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request")
		return
	}
	rec, err := s.store.Get(r.Context(), req.UID)
	if err != nil {
		s.respondError(w, "get", err)
		return
	}
	if !s.trustFor(rec, req.Keys, clientIP(r)).Read {
		http.Error(w, "read access denied", http.StatusForbidden)
		return
	}

	rec.Touch(s.now().Unix())
	if err := s.store.Update(r.Context(), rec); err != nil {
		s.respondError(w, "get", err)
		return
	}

	b := s.families.Resolve(rec.FamilyName())
	blob, err := b.Get(r.Context(), rec.ResolvePath())
	if err != nil {
		logger.Error("record exists but entity is missing",
			logger.KeyUID, rec.UID, logger.KeyPath, rec.ResolvePath())
		s.respondError(w, "get", err)
		return
	}
	defer blob.Close()

	src := io.Reader(blob)
	applied := rec.Physical.Format.Comp
	if applied != "" && !clientSupports(r.Header.Get(headerSupportedCompression), applied) {
		transform, err := s.codecs.Decompressor(applied)
		if err != nil {
			s.respondError(w, "get", err)
			return
		}
		decompressed, err := transform(blob)
		if err != nil {
			s.respondError(w, "get", err)
			return
		}
		defer decompressed.Close()
		src = decompressed
		applied = ""
	}

	w.Header().Set("Content-Type", rec.Physical.Format.Mime)
	if applied != "" {
		w.Header().Set(headerAppliedCompression, applied)
	}
	if _, err := io.CopyBuffer(w, src, make([]byte, spool.ChunkSize)); err != nil {
		// Headers are gone; the client sees a truncated body.
		logger.Error("unable to stream entity", logger.KeyUID, rec.UID, logger.Err(err))
	}
}

func clientSupports(header, algo string) bool {
	for _, candidate := range strings.Split(header, ";") {
		if strings.TrimSpace(candidate) == algo {
			return true
		}
	}
	return false
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	var req uidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request")
		return
	}
	rec, err := s.store.Get(r.Context(), req.UID)
	if err != nil {
		s.respondError(w, "describe", err)
		return
	}
	if !s.trustFor(rec, req.Keys, clientIP(r)).Read {
		http.Error(w, "read access denied", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, describeView(rec, "", false))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request")
		return
	}
	rec, err := s.store.Get(r.Context(), req.UID)
	if err != nil {
		s.respondError(w, "update", err)
		return
	}
	if !s.trustFor(rec, req.Keys, clientIP(r)).Write {
		http.Error(w, "write access denied", http.StatusForbidden)
		return
	}

	now := s.now().Unix()
	s.applyPolicyUpdate(rec, req.Policy, now)

	for _, removed := range req.Meta.Removed {
		delete(rec.Meta, removed)
	}
	if rec.Meta == nil && len(req.Meta.New) > 0 {
		rec.Meta = map[string]any{}
	}
	for key, value := range req.Meta.New {
		rec.Meta[key] = value
	}

	if err := s.store.Update(r.Context(), rec); err != nil {
		s.respondError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// applyPolicyUpdate applies replace-semantics: a nil policy means no
// change, an all-zero one clears, anything else replaces via the normal
// unpack translation.
func (s *Server) applyPolicyUpdate(rec *record.Record, p *putPolicies, now int64) {
	if p == nil {
		return
	}
	if p.Delete != nil {
		rec.Policy.Delete = record.UnpackPolicy(*p.Delete, now)
	}
	if p.Compress != nil {
		switch {
		case *p.Compress == (record.PolicyRequest{}):
			rec.Policy.Compress = record.CompressPolicy{}
		case p.Compress.Comp != "" && s.codecs.Supported(p.Compress.Comp):
			rec.Policy.Compress = record.CompressPolicy{
				Policy: record.UnpackPolicy(*p.Compress, now),
				Comp:   p.Compress.Comp,
			}
		default:
			logger.Warn("unsupported compression format in policy", logger.KeyComp, p.Compress.Comp)
		}
	}
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	var req uidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request")
		return
	}
	rec, err := s.store.Get(r.Context(), req.UID)
	if err != nil {
		s.respondError(w, "unlink", err)
		return
	}
	if !s.trustFor(rec, req.Keys, clientIP(r)).Write {
		http.Error(w, "write access denied", http.StatusForbidden)
		return
	}

	b := s.families.Resolve(rec.FamilyName())
	blobErr := b.Unlink(r.Context(), rec.ResolvePath(), rec.PruneSafe(s.now()))

	if err := s.store.Delete(r.Context(), rec.UID); err != nil {
		s.respondError(w, "unlink", err)
		return
	}

	if blobErr != nil {
		// The record is gone either way; a missing blob just means the
		// stores had already diverged.
		logger.Error("record existed but entity was missing on unlink",
			logger.KeyUID, rec.UID, logger.Err(blobErr))
		s.respondError(w, "unlink", blobErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q recordstore.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		badRequest(w, "malformed request")
		return
	}

	trusted := s.trustFor(nil, nil, clientIP(r)).Read
	records, err := s.store.Query(r.Context(), q, !trusted)
	if err != nil {
		if errors.Is(err, recordstore.ErrBadFilter) {
			badRequest(w, err.Error())
			return
		}
		s.respondError(w, "query", err)
		return
	}

	if len(records) > s.opts.QueryLimit {
		records = records[:s.opts.QueryLimit]
	}

	views := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		path := ""
		if trusted {
			path = rec.ResolvePath()
		}
		views = append(views, describeView(rec, path, trusted))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views})
}
