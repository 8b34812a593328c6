// Package rhizomeclient talks to a rhizome daemon's local REST API.
package rhizomeclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

var (
	ErrBundleNotFound    = errors.New("bundle not found")
	ErrMalformedResponse = errors.New("malformed response from daemon")
)

// StatusError is a non-success response other than 404.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	username   string
	password   string
	token      string
	tracer     trace.Tracer
}

type Option func(*Client)

// WithBasicAuth sends HTTP basic credentials on every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithToken sends an X-Auth-Token header on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// New returns a client for the daemon at baseURL, e.g. http://127.0.0.1:4110.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		tracer:     observability.Tracer("rhizome-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func (c *Client) do(req *http.Request, want int) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == want {
		return resp, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrBundleNotFound
	}
	se := &StatusError{StatusCode: resp.StatusCode}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		se.Code, se.Message = body.Code, body.Message
	}
	return nil, se
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// PayloadRaw retrieves a bundle's manifest and its stored payload bytes.
// The caller owns the returned payload stream and must close it.
func (c *Client) PayloadRaw(ctx context.Context, id rhizome.BundleID) (_ *rhizome.PayloadRawBundle, err error) {
	ctx, span := c.tracer.Start(ctx, "PayloadRaw", trace.WithAttributes(attribute.String("bundle.id", id.String())))
	defer func() { endSpan(span, err) }()

	req, err := c.newRequest(ctx, http.MethodGet, "/restful/rhizome/"+id.String()+"/raw.bin", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}

	b, err := payloadRawFromResponse(resp.Header, resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if b.Manifest().ID != id {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: asked for %s, got %s", ErrMalformedResponse, id, b.Manifest().ID)
	}
	span.SetAttributes(attribute.Int64("bundle.filesize", b.Manifest().FileSize))
	return b, nil
}

// payloadRawFromResponse builds the retrieval result from response headers.
// Absent optional headers leave the matching field absent.
func payloadRawFromResponse(h http.Header, body io.ReadCloser) (*rhizome.PayloadRawBundle, error) {
	m, err := manifestHeader(h)
	if err != nil {
		return nil, err
	}

	var (
		rowID, insertTime *int64
		author            *rhizome.SubscriberID
		secret            *rhizome.BundleSecret
	)
	if rowID, err = optionalInt(h, rhizome.HeaderBundleRowID); err != nil {
		return nil, err
	}
	if insertTime, err = optionalInt(h, rhizome.HeaderBundleInsertTime); err != nil {
		return nil, err
	}
	if v := h.Get(rhizome.HeaderBundleAuthor); v != "" {
		sid, err := rhizome.ParseSubscriberID(v)
		if err != nil {
			return nil, fmt.Errorf("%w: author: %v", ErrMalformedResponse, err)
		}
		author = &sid
	}
	if v := h.Get(rhizome.HeaderBundleSecret); v != "" {
		bs, err := rhizome.ParseBundleSecret(v)
		if err != nil {
			return nil, fmt.Errorf("%w: secret: %v", ErrMalformedResponse, err)
		}
		secret = &bs
	}
	return rhizome.NewPayloadRawBundle(m, &onceCloser{ReadCloser: body}, rowID, insertTime, author, secret), nil
}

func manifestHeader(h http.Header) (*rhizome.Manifest, error) {
	enc := h.Get(rhizome.HeaderBundleManifest)
	if enc == "" {
		return nil, fmt.Errorf("%w: no %s header", ErrMalformedResponse, rhizome.HeaderBundleManifest)
	}
	wire, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest header: %v", ErrMalformedResponse, err)
	}
	m, err := rhizome.ParseManifest(wire)
	if err != nil {
		return nil, err
	}
	if v := h.Get(rhizome.HeaderBundleID); v != "" && v != m.ID.String() {
		return nil, fmt.Errorf("%w: bundle id header does not match manifest", ErrMalformedResponse)
	}
	return m, nil
}

func optionalInt(h http.Header, key string) (*int64, error) {
	v := h.Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, key, err)
	}
	return &n, nil
}

// onceCloser makes repeated Close calls after the first a no-op.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}

// WithPayloadRaw retrieves a bundle, passes it to fn and closes the payload
// stream whatever fn does, exactly once. fn must not keep the stream.
func (c *Client) WithPayloadRaw(ctx context.Context, id rhizome.BundleID, fn func(*rhizome.PayloadRawBundle) error) error {
	b, err := c.PayloadRaw(ctx, id)
	if err != nil {
		return err
	}
	defer b.RawPayload().Close()
	return fn(b)
}

// Manifest fetches the stored manifest of a bundle.
func (c *Client) Manifest(ctx context.Context, id rhizome.BundleID) (_ *rhizome.Manifest, err error) {
	ctx, span := c.tracer.Start(ctx, "Manifest", trace.WithAttributes(attribute.String("bundle.id", id.String())))
	defer func() { endSpan(span, err) }()

	req, err := c.newRequest(ctx, http.MethodGet, "/restful/rhizome/"+id.String()+".rhm", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wire, err := io.ReadAll(io.LimitReader(resp.Body, rhizome.MaxManifestBytes+1))
	if err != nil {
		return nil, err
	}
	return rhizome.ParseManifest(wire)
}

// ListOptions narrows List. Zero values match everything.
type ListOptions struct {
	Service   string
	Name      string
	Sender    *rhizome.SubscriberID
	Recipient *rhizome.SubscriberID
	Since     int64
	Limit     int
}

// ListEntry is one row of the daemon's bundle list.
type ListEntry struct {
	RowID      int64
	ID         rhizome.BundleID
	Version    int64
	Service    string
	Name       string
	Date       int64
	InsertTime int64
	FileSize   int64
	FileHash   string
	Author     string
	Sender     string
	Recipient  string
	FromHere   bool
}

// InsertedAt converts InsertTime to a time.
func (e *ListEntry) InsertedAt() time.Time { return time.UnixMilli(e.InsertTime) }

// List returns stored bundles, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) (_ []ListEntry, err error) {
	ctx, span := c.tracer.Start(ctx, "List")
	defer func() { endSpan(span, err) }()

	q := url.Values{}
	if opts.Service != "" {
		q.Set("service", opts.Service)
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if opts.Sender != nil {
		q.Set("sender", opts.Sender.String())
	}
	if opts.Recipient != nil {
		q.Set("recipient", opts.Recipient.String())
	}
	if opts.Since > 0 {
		q.Set("since", strconv.FormatInt(opts.Since, 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/restful/rhizome/bundlelist.json"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var table struct {
		Header []string            `json:"header"`
		Rows   [][]json.RawMessage `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out := make([]ListEntry, 0, len(table.Rows))
	for _, row := range table.Rows {
		e, err := decodeRow(table.Header, row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	span.SetAttributes(attribute.Int("bundles", len(out)))
	return out, nil
}

func decodeRow(header []string, row []json.RawMessage) (ListEntry, error) {
	var e ListEntry
	if len(row) != len(header) {
		return e, fmt.Errorf("%w: row has %d columns, header %d", ErrMalformedResponse, len(row), len(header))
	}
	for i, col := range header {
		var dst any
		switch col {
		case ".rowid":
			dst = &e.RowID
		case "id":
			dst = &e.ID
		case "version":
			dst = &e.Version
		case "service":
			dst = &e.Service
		case "name":
			dst = &e.Name
		case "date":
			dst = &e.Date
		case ".inserttime":
			dst = &e.InsertTime
		case "filesize":
			dst = &e.FileSize
		case "filehash":
			dst = &e.FileHash
		case ".author":
			dst = &e.Author
		case "sender":
			dst = &e.Sender
		case "recipient":
			dst = &e.Recipient
		case ".fromhere":
			var n int
			if err := json.Unmarshal(row[i], &n); err != nil {
				return e, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, col, err)
			}
			e.FromHere = n != 0
			continue
		default:
			continue
		}
		// null leaves the field at its zero value
		if err := json.Unmarshal(row[i], dst); err != nil {
			return e, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, col, err)
		}
	}
	return e, nil
}

// InsertRequest uploads a payload. Manifest may be empty, a partial
// manifest of fields to set, or a complete signed manifest. Secret selects
// the bundle to update.
type InsertRequest struct {
	Manifest []byte
	Payload  io.Reader
	Secret   *rhizome.BundleSecret
	// Filename is sent as the payload part's file name.
	Filename string
}

// InsertResult describes the stored bundle.
type InsertResult struct {
	Manifest *rhizome.Manifest
	Secret   *rhizome.BundleSecret
}

// Insert streams a new bundle, or a new version of one, to the daemon.
func (c *Client) Insert(ctx context.Context, in InsertRequest) (_ *InsertResult, err error) {
	ctx, span := c.tracer.Start(ctx, "Insert")
	defer func() { endSpan(span, err) }()

	if in.Payload == nil {
		in.Payload = bytes.NewReader(nil)
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeInsertForm(mw, in))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/restful/rhizome/insert", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req, http.StatusCreated)
	pr.Close()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wire, err := io.ReadAll(io.LimitReader(resp.Body, rhizome.MaxManifestBytes+1))
	if err != nil {
		return nil, err
	}
	m, err := rhizome.ParseManifest(wire)
	if err != nil {
		return nil, err
	}
	res := &InsertResult{Manifest: m}
	if v := resp.Header.Get(rhizome.HeaderBundleSecret); v != "" {
		bs, err := rhizome.ParseBundleSecret(v)
		if err != nil {
			return nil, fmt.Errorf("%w: secret: %v", ErrMalformedResponse, err)
		}
		res.Secret = &bs
	}
	span.SetAttributes(attribute.String("bundle.id", m.ID.String()))
	return res, nil
}

func writeInsertForm(mw *multipart.Writer, in InsertRequest) error {
	if in.Secret != nil {
		if err := mw.WriteField("bundle-secret", in.Secret.String()); err != nil {
			return err
		}
	}
	if len(in.Manifest) > 0 {
		w, err := mw.CreateFormFile("manifest", "manifest")
		if err != nil {
			return err
		}
		if _, err := w.Write(in.Manifest); err != nil {
			return err
		}
	}
	name := in.Filename
	if name == "" {
		name = "payload"
	}
	w, err := mw.CreateFormFile("payload", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in.Payload); err != nil {
		return err
	}
	return mw.Close()
}

// Delete removes a bundle from the daemon's store.
func (c *Client) Delete(ctx context.Context, id rhizome.BundleID) (err error) {
	ctx, span := c.tracer.Start(ctx, "Delete", trace.WithAttributes(attribute.String("bundle.id", id.String())))
	defer func() { endSpan(span, err) }()

	req, err := c.newRequest(ctx, http.MethodDelete, "/restful/rhizome/"+id.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, http.StatusNoContent)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Identity is the daemon's node identity.
type Identity struct {
	SID         string `json:"sid"`
	Fingerprint string `json:"fingerprint"`
}

func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/restful/keyring/identity", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &id, nil
}
