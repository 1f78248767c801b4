// Package client is the Go client for the mediastore storage server. Both
// proxies relay through it, and the CLI uses it for status calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/ltessier/mediastore/pkg/record"
	"github.com/ltessier/mediastore/pkg/recordstore"
)

// Boundary is the fixed multipart boundary used for uploads.
const Boundary = "MEDIASTORE-BOUNDARY-7f2a91c4e83b"

// Request headers of the wire protocol.
const (
	HeaderCompressOnServer     = "Compress-On-Server"
	HeaderSupportedCompression = "Supported-Compression"
	HeaderAppliedCompression   = "Applied-Compression"
)

// DefaultTimeout bounds ordinary metadata calls. Uploads and downloads use
// their own, longer timeouts.
const DefaultTimeout = 10 * time.Second

// Client talks to one storage server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the server at host:port.
func New(host string, port int, opts ...Option) *Client {
	c := &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewForURL creates a client for an explicit base URL, used in tests against
// httptest servers.
func NewForURL(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, timeout time.Duration) (*http.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TemporaryFailureError{Reason: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorFromStatus(resp.StatusCode, path)
	}
	return resp, nil
}

func decodeInto(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.postJSON(ctx, "/ping", map[string]any{}, DefaultTimeout)
	if err != nil {
		return err
	}
	var body struct {
		Online bool `json:"online"`
	}
	if err := decodeInto(resp, &body); err != nil {
		return err
	}
	if !body.Online {
		return &TemporaryFailureError{Reason: "server reports offline"}
	}
	return nil
}

// PutHeader is the JSON header part of an upload. Zero-value fields are
// omitted and the server fills them in.
type PutHeader struct {
	UID      string         `json:"uid,omitempty"`
	Keys     *record.Keys   `json:"keys,omitempty"`
	Physical PutPhysical    `json:"physical"`
	Policy   *PutPolicies   `json:"policy,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PutPhysical carries the client-settable physical fields.
type PutPhysical struct {
	Family *string       `json:"family,omitempty"`
	Format record.Format `json:"format"`
}

// PutPolicies carries the client-side policy requests.
type PutPolicies struct {
	Delete   *record.PolicyRequest `json:"delete,omitempty"`
	Compress *record.PolicyRequest `json:"compress,omitempty"`
}

// PutResult is the identifier pair returned by a successful put.
type PutResult struct {
	UID  string      `json:"uid"`
	Keys record.Keys `json:"keys"`
}

// PutOptions tune one upload.
type PutOptions struct {
	// CompressOnServer asks the server to apply the header's compression
	// format itself.
	CompressOnServer bool
	// Timeout bounds the whole upload; zero means no deadline.
	Timeout time.Duration
}

// Put uploads content with its record header.
func (c *Client) Put(ctx context.Context, header PutHeader, content io.Reader, opts PutOptions) (*PutResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	if err := mw.SetBoundary(Boundary); err != nil {
		return nil, err
	}

	go func() {
		err := writeUpload(mw, header, content)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/put", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if opts.CompressOnServer {
		req.Header.Set(HeaderCompressOnServer, "yes")
	} else {
		req.Header.Set(HeaderCompressOnServer, "no")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TemporaryFailureError{Reason: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errorFromStatus(resp.StatusCode, "/put")
	}
	var result PutResult
	if err := decodeInto(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func writeUpload(mw *multipart.Writer, header PutHeader, content io.Reader) error {
	hw, err := mw.CreateFormField("header")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(hw).Encode(header); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="content"; filename="content"`)
	h.Set("Content-Type", "application/octet-stream")
	cw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(cw, content)
	return err
}

// GetResult describes a retrieved blob. The caller owns Body.
type GetResult struct {
	Body io.ReadCloser
	// Mime is the stored MIME type.
	Mime string
	// AppliedCompression names the algorithm the body is still compressed
	// with, empty when the server decompressed (or the blob never was).
	AppliedCompression string
}

// GetOptions tune one download.
type GetOptions struct {
	// SupportedCompression lists algorithms the caller can decompress
	// itself; the server passes matching blobs through untouched.
	SupportedCompression []string
	// Timeout bounds the whole download; zero means no deadline.
	Timeout time.Duration
}

// Get retrieves a blob.
func (c *Client) Get(ctx context.Context, uid string, readKey *string, opts GetOptions) (*GetResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	payload := map[string]any{
		"uid":  uid,
		"keys": map[string]any{"read": readKey},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/get", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(opts.SupportedCompression) > 0 {
		req.Header.Set(HeaderSupportedCompression, strings.Join(opts.SupportedCompression, ";"))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TemporaryFailureError{Reason: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errorFromStatus(resp.StatusCode, "/get")
	}
	return &GetResult{
		Body:               resp.Body,
		Mime:               resp.Header.Get("Content-Type"),
		AppliedCompression: resp.Header.Get(HeaderAppliedCompression),
	}, nil
}

// Describe fetches a record's public description as raw JSON fields; keys
// and physical.minRes are never present.
func (c *Client) Describe(ctx context.Context, uid string, readKey *string) (map[string]any, error) {
	resp, err := c.postJSON(ctx, "/describe", map[string]any{
		"uid":  uid,
		"keys": map[string]any{"read": readKey},
	}, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var desc map[string]any
	if err := decodeInto(resp, &desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// MetaUpdate is the meta mutation applied by Update: Removed keys are
// dropped first, then New is merged in.
type MetaUpdate struct {
	New     map[string]any `json:"new"`
	Removed []string       `json:"removed"`
}

// UpdateRequest mutates policies and meta on an existing record.
type UpdateRequest struct {
	UID      string       `json:"uid"`
	WriteKey *string      `json:"-"`
	Policy   *PutPolicies `json:"policy,omitempty"`
	Meta     MetaUpdate   `json:"meta"`
}

// Update applies policy and meta changes.
func (c *Client) Update(ctx context.Context, req UpdateRequest) error {
	payload := map[string]any{
		"uid":  req.UID,
		"keys": map[string]any{"write": req.WriteKey},
		"meta": req.Meta,
	}
	if req.Policy != nil {
		payload["policy"] = req.Policy
	}
	resp, err := c.postJSON(ctx, "/update", payload, DefaultTimeout)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Unlink removes a record and its blob.
func (c *Client) Unlink(ctx context.Context, uid string, writeKey *string) error {
	resp, err := c.postJSON(ctx, "/unlink", map[string]any{
		"uid":  uid,
		"keys": map[string]any{"write": writeKey},
	}, DefaultTimeout)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Query runs a record query; results are the records' public descriptions.
func (c *Client) Query(ctx context.Context, q recordstore.Query) ([]map[string]any, error) {
	resp, err := c.postJSON(ctx, "/query", q, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var body struct {
		Records []map[string]any `json:"records"`
	}
	if err := decodeInto(resp, &body); err != nil {
		return nil, err
	}
	return body.Records, nil
}

// ListFamilies returns the named families known to the server.
func (c *Client) ListFamilies(ctx context.Context) ([]string, error) {
	resp, err := c.postJSON(ctx, "/list/families", map[string]any{}, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var body struct {
		Families []string `json:"families"`
	}
	if err := decodeInto(resp, &body); err != nil {
		return nil, err
	}
	return body.Families, nil
}

// Status returns the server's process/system snapshot as raw JSON fields.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	resp, err := c.postJSON(ctx, "/status", map[string]any{}, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var status map[string]any
	if err := decodeInto(resp, &status); err != nil {
		return nil, err
	}
	return status, nil
}
