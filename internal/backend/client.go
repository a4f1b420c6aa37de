// Package backend talks to the hosted backend that stores synced reports:
// a REST table endpoint for records and an object store for photos. Every
// method is a single HTTP round trip; retries belong to the caller.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/njoerd114/reportrelay/internal/model"
)

const (
	defaultTable  = "reports"
	defaultBucket = "report-photos"

	// maxErrorBody bounds how much of an error response is kept for logs.
	maxErrorBody = 512
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Options configures a [Client].
type Options struct {
	// BaseURL is the project URL, e.g. "https://xyz.supabase.co".
	BaseURL string

	// AnonKey is the public API key sent on every request. Anonymous
	// inserts are authorised with it alone.
	AnonKey string

	// Table is the REST table receiving reports. Defaults to "reports".
	Table string

	// Bucket is the object-store bucket for photos. Defaults to "report-photos".
	Bucket string

	// HTTPClient overrides the transport. Defaults to a zero http.Client,
	// so per-call timeouts follow net/http defaults.
	HTTPClient *http.Client
}

// Client is a thin REST client for the reports table and photo bucket.
// Create one with [NewClient].
type Client struct {
	baseURL string
	anonKey string
	table   string
	bucket  string
	hc      *http.Client
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	u, err := url.ParseRequestURI(opts.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("backend url %q must be a valid http or https URL", opts.BaseURL)
	}
	if opts.AnonKey == "" {
		return nil, fmt.Errorf("backend anon key is required")
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		anonKey: opts.AnonKey,
		table:   opts.Table,
		bucket:  opts.Bucket,
		hc:      opts.HTTPClient,
	}
	if c.table == "" {
		c.table = defaultTable
	}
	if c.bucket == "" {
		c.bucket = defaultBucket
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	return c, nil
}

// InsertReport inserts rec into the reports table and returns the
// identifier generated by the backend. accessToken may be empty for an
// anonymous insert.
func (c *Client) InsertReport(ctx context.Context, rec model.RemoteRecord, accessToken string) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding report record: %w", err)
	}

	endpoint := fmt.Sprintf("%s/rest/v1/%s?select=id", c.baseURL, url.PathEscape(c.table))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create insert request: %w", err)
	}
	c.authorize(req, accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute insert request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus("insert report", resp); err != nil {
		return "", err
	}
	return decodeInsertedID(resp.Body)
}

// UploadObject stores data under path in the photo bucket. Existing objects
// are never overwritten.
func (c *Client) UploadObject(ctx context.Context, path string, data []byte, contentType string) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, url.PathEscape(c.bucket), escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	c.authorize(req, "")
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	req.ContentLength = int64(len(data))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute upload request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus("upload object", resp)
}

// PublicURL returns the public URL of an object in the photo bucket.
func (c *Client) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, url.PathEscape(c.bucket), escapePath(path))
}

// Ping checks that the REST endpoint answers and accepts the anon key.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	c.authorize(req, "")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("backend rejected the anon key (status %d)", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return &StatusError{Op: "ping", StatusCode: resp.StatusCode}
	}
	return nil
}

// authorize sets the API key and bearer token. The anon key doubles as the
// bearer when there is no user session.
func (c *Client) authorize(req *http.Request, accessToken string) {
	req.Header.Set("apikey", c.anonKey)
	bearer := accessToken
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
}

// --- helpers -----------------------------------------------------------------

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// decodeInsertedID reads the representation returned by an insert. The
// backend answers with a one-element array; id may be textual or numeric.
func decodeInsertedID(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return "", fmt.Errorf("decoding insert response: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("insert response contained no rows")
	}

	switch id := rows[0]["id"].(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("insert response has empty id")
		}
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("insert response has no usable id (got %T)", id)
	}
}

// escapePath escapes each segment of an object path, keeping the slashes.
func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
