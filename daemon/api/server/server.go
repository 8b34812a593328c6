package server

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhizomemesh/rhizome/daemon/fetch"
	"github.com/rhizomemesh/rhizome/daemon/service"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// HTTP contract types

type (
	// BundleListJSON is a table: column names in Header, one row per bundle.
	BundleListJSON struct {
		Header []string `json:"header"`
		Rows   [][]any  `json:"rows"`
	}

	IdentityJSON struct {
		SID         string `json:"sid"`
		Fingerprint string `json:"fingerprint"`
	}

	StatusJSON struct {
		Bundles   int                 `json:"bundles"`
		Bytes     int64               `json:"bytes"`
		Backlog   int                 `json:"backlog"`
		AnyActive bool                `json:"any_active"`
		Queues    []fetch.QueueStatus `json:"queues"`
		// Subscribers counts open event streams.
		Subscribers int `json:"subscribers"`
	}

	BundleEventJSON struct {
		EventType string            `json:"event_type"`
		BundleID  string            `json:"bundle_id,omitempty"`
		Version   int64             `json:"version,omitempty"`
		FileSize  int64             `json:"filesize,omitempty"`
		Name      string            `json:"name,omitempty"`
		Service   string            `json:"service,omitempty"`
		Peer      string            `json:"peer,omitempty"`
		Timestamp int64             `json:"timestamp"`
		Message   string            `json:"message,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}
)

// BundleListHeader names the columns of bundlelist.json rows.
var BundleListHeader = []string{
	".rowid", "service", "id", "version", "date", ".inserttime", ".author", ".fromhere",
	"filesize", "filehash", "sender", "recipient", "name",
}

// Auth guards the /restful/ routes. With every field empty the API is open.
// Basic credentials and the token are alternatives.
type Auth struct {
	Username string
	Password string
	Token    string
}

func (a Auth) enabled() bool { return a.Token != "" || a.Username != "" }

func (a Auth) allows(r *http.Request) bool {
	if a.Token != "" && r.Header.Get("X-Auth-Token") == a.Token {
		return true
	}
	if a.Username != "" {
		u, p, ok := r.BasicAuth()
		return ok && u == a.Username && p == a.Password
	}
	return false
}

// DaemonAPIServer serves the local REST API and the peer fetch routes.
type DaemonAPIServer struct {
	svc     *service.RhizomeService
	auth    Auth
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewDaemonAPIServer(svc *service.RhizomeService, auth Auth, logger *observability.Logger) *DaemonAPIServer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &DaemonAPIServer{svc: svc, auth: auth, logger: logger.WithComponent("api"), metrics: svc.Metrics()}
}

// Handler returns every route wrapped in request tracing and metrics.
// Trace context sent by rhizomeclient is continued.
func (s *DaemonAPIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTP(mux)
	tracer := observability.Tracer("rhizomed-api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		if s.metrics != nil {
			s.metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RegisterHTTP registers REST routes on mux. Peer routes are never behind
// Auth.
func (s *DaemonAPIServer) RegisterHTTP(mux *http.ServeMux) {
	rest := func(pattern string, h http.HandlerFunc) { mux.Handle(pattern, s.requireAuth(h)) }

	rest("GET /restful/rhizome/bundlelist.json", s.handleBundleList)
	rest("GET /restful/rhizome/events", s.handleEvents)
	rest("GET /restful/rhizome/status", s.handleStatus)
	rest("POST /restful/rhizome/insert", s.handleInsert)
	rest("GET /restful/rhizome/{file}", s.handleManifest)
	rest("GET /restful/rhizome/{bid}/raw.bin", s.handleRaw)
	rest("DELETE /restful/rhizome/{bid}", s.handleDelete)
	rest("GET /restful/keyring/identity", s.handleIdentity)

	mux.HandleFunc("GET /rhizome/file/{hash}", s.handlePeerFile)
	mux.HandleFunc("GET /rhizome/manifestbyprefix/{prefix}", s.handlePeerManifest)
}

func (s *DaemonAPIServer) requireAuth(next http.Handler) http.Handler {
	if !s.auth.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.allows(r) {
			if s.auth.Username != "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="rhizome"`)
			}
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *DaemonAPIServer) handleBundleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{Service: q.Get("service"), Name: q.Get("name")}
	for key, dst := range map[string]**rhizome.SubscriberID{"sender": &f.Sender, "recipient": &f.Recipient} {
		if v := q.Get(key); v != "" {
			sid, err := rhizome.ParseSubscriberID(v)
			if err != nil {
				writeError(w, err)
				return
			}
			*dst = &sid
		}
	}
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "since must be a row id")
			return
		}
		f.SinceRowID = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := s.svc.Store().List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	me := s.svc.Identity().SID()
	resp := &BundleListJSON{Header: BundleListHeader, Rows: make([][]any, 0, len(entries))}
	for _, e := range entries {
		resp.Rows = append(resp.Rows, bundleRow(e, me))
	}
	writeJSON(w, http.StatusOK, resp)
}

func bundleRow(e *store.Entry, me rhizome.SubscriberID) []any {
	m := e.Manifest
	opt := func(present bool, v any) any {
		if !present {
			return nil
		}
		return v
	}
	fromHere := 0
	if e.Author != nil && *e.Author == me {
		fromHere = 1
	}
	var author, sender, recipient any
	if e.Author != nil {
		author = e.Author.String()
	}
	if m.Sender != nil {
		sender = m.Sender.String()
	}
	if m.Recipient != nil {
		recipient = m.Recipient.String()
	}
	return []any{
		e.RowID,
		opt(m.Service != "", m.Service),
		m.ID.String(),
		m.Version,
		opt(m.Date != 0, m.Date),
		e.InsertTime,
		author,
		fromHere,
		m.FileSize,
		opt(m.FileSize > 0, m.FileHash.String()),
		sender,
		recipient,
		opt(m.Name != "", m.Name),
	}
}

// setBundleHeaders describes a bundle in response headers.
func setBundleHeaders(h http.Header, m *rhizome.Manifest, rowID, insertTime *int64, author *rhizome.SubscriberID, secret *rhizome.BundleSecret) {
	h.Set(rhizome.HeaderBundleID, m.ID.String())
	h.Set(rhizome.HeaderBundleVersion, strconv.FormatInt(m.Version, 10))
	h.Set(rhizome.HeaderBundleFilesize, strconv.FormatInt(m.FileSize, 10))
	if m.FileSize > 0 {
		h.Set(rhizome.HeaderBundleFilehash, m.FileHash.String())
	}
	if m.Service != "" {
		h.Set(rhizome.HeaderBundleService, m.Service)
	}
	if m.Name != "" {
		h.Set(rhizome.HeaderBundleName, mime.QEncoding.Encode("utf-8", m.Name))
	}
	if m.Date != 0 {
		h.Set(rhizome.HeaderBundleDate, strconv.FormatInt(m.Date, 10))
	}
	if m.Sender != nil {
		h.Set(rhizome.HeaderBundleSender, m.Sender.String())
	}
	if m.Recipient != nil {
		h.Set(rhizome.HeaderBundleRecipient, m.Recipient.String())
	}
	if rowID != nil {
		h.Set(rhizome.HeaderBundleRowID, strconv.FormatInt(*rowID, 10))
	}
	if insertTime != nil {
		h.Set(rhizome.HeaderBundleInsertTime, strconv.FormatInt(*insertTime, 10))
	}
	if author != nil {
		h.Set(rhizome.HeaderBundleAuthor, author.String())
	}
	if secret != nil {
		h.Set(rhizome.HeaderBundleSecret, secret.String())
	}
	h.Set(rhizome.HeaderBundleManifest, base64.StdEncoding.EncodeToString(m.Bytes()))
}

func (s *DaemonAPIServer) entryHeaders(w http.ResponseWriter, r *http.Request, e *store.Entry) {
	var secret *rhizome.BundleSecret
	if e.HasSecret {
		if raw, err := s.svc.Store().RawBundle(r.Context(), e.Manifest.ID); err == nil {
			raw.RawPayload().Close()
			if sec, ok := raw.Secret(); ok {
				secret = &sec
			}
		}
	}
	rowID, insertTime := e.RowID, e.InsertTime
	setBundleHeaders(w.Header(), e.Manifest, &rowID, &insertTime, e.Author, secret)
}

func writeManifest(w http.ResponseWriter, status int, m *rhizome.Manifest) {
	body := m.Bytes()
	w.Header().Set("Content-Type", "application/vnd.rhizome.manifest")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func bundleIDParam(w http.ResponseWriter, v string) (rhizome.BundleID, bool) {
	id, err := rhizome.ParseBundleID(v)
	if err != nil {
		writeError(w, err)
		return id, false
	}
	return id, true
}

// handleManifest serves GET /restful/rhizome/{BID}.rhm.
func (s *DaemonAPIServer) handleManifest(w http.ResponseWriter, r *http.Request) {
	bid, ok := strings.CutSuffix(r.PathValue("file"), ".rhm")
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no such resource")
		return
	}
	id, ok := bundleIDParam(w, bid)
	if !ok {
		return
	}
	e, err := s.svc.Store().Lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.entryHeaders(w, r, e)
	writeManifest(w, http.StatusOK, e.Manifest)
}

// handleRaw serves the stored payload bytes unchanged.
func (s *DaemonAPIServer) handleRaw(w http.ResponseWriter, r *http.Request) {
	id, ok := bundleIDParam(w, r.PathValue("bid"))
	if !ok {
		return
	}
	raw, err := s.svc.Store().RawBundle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	body := raw.RawPayload()
	defer body.Close()

	var rowID, insertTime *int64
	if v, ok := raw.RowID(); ok {
		rowID = &v
	}
	if v, ok := raw.InsertTime(); ok {
		insertTime = &v
	}
	var author *rhizome.SubscriberID
	if v, ok := raw.Author(); ok {
		author = &v
	}
	var secret *rhizome.BundleSecret
	if v, ok := raw.Secret(); ok {
		secret = &v
	}
	m := raw.Manifest()
	setBundleHeaders(w.Header(), m, rowID, insertTime, author, secret)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(m.FileSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.WithBundle(id.String()).Error(err, "payload write interrupted")
	}
}

// maxSecretPart bounds the bundle-secret form part (hex plus whitespace).
const maxSecretPart = 2*rhizome.BundleSecretBytes + 16

// handleInsert accepts multipart/form-data with optional "bundle-secret"
// and "manifest" parts followed by a "payload" part, which is streamed.
func (s *DaemonAPIServer) handleInsert(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "expected multipart/form-data")
		return
	}

	var req service.InsertRequest
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}

		switch part.FormName() {
		case "bundle-secret":
			b, err := readPart(part, maxSecretPart)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bundle-secret: "+err.Error())
				return
			}
			sec, err := rhizome.ParseBundleSecret(string(b))
			if err != nil {
				writeError(w, err)
				return
			}
			req.Secret = &sec
		case "manifest":
			b, err := readPart(part, rhizome.MaxManifestBytes)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "manifest: "+err.Error())
				return
			}
			req.Manifest = b
		case "payload":
			req.Payload = part
			e, err := s.svc.Insert(r.Context(), req)
			part.Close()
			if err != nil {
				writeError(w, err)
				return
			}
			s.entryHeaders(w, r, e)
			writeManifest(w, http.StatusCreated, e.Manifest)
			return
		default:
			part.Close()
		}
	}
	writeError(w, service.ErrMissingPayload)
}

var errPartTooLarge = errors.New("part too large")

func readPart(r io.Reader, limit int) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(b) > limit {
		return nil, errPartTooLarge
	}
	return b, nil
}

func (s *DaemonAPIServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := bundleIDParam(w, r.PathValue("bid"))
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *DaemonAPIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, size, err := s.svc.Store().Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	f := s.svc.Fetcher()
	writeJSON(w, http.StatusOK, &StatusJSON{
		Bundles:     count,
		Bytes:       size,
		Backlog:     s.svc.BacklogLen(),
		AnyActive:   f.AnyActive(),
		Queues:      f.Snapshot(),
		Subscribers: s.svc.Events().GetSubscriptionCount(),
	})
}

func (s *DaemonAPIServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id := s.svc.Identity()
	writeJSON(w, http.StatusOK, &IdentityJSON{SID: id.SID().String(), Fingerprint: id.Fingerprint()})
}

// handleEvents streams bundle events as server-sent events.
func (s *DaemonAPIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	// subscribe before the headers go out so no event after them is missed
	events := s.svc.Events()
	sub := events.Subscribe(strings.ToUpper(r.URL.Query().Get("bundle_id")))
	defer events.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Channel:
			if !ok {
				return
			}
			line, err := json.Marshal(toEventJSON(ev))
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(line)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func toEventJSON(ev *service.BundleEvent) *BundleEventJSON {
	return &BundleEventJSON{
		EventType: ev.Type.String(),
		BundleID:  ev.BundleID,
		Version:   ev.Version,
		FileSize:  ev.FileSize,
		Name:      ev.Name,
		Service:   ev.Service,
		Peer:      ev.Peer,
		Timestamp: ev.Timestamp.UnixMilli(),
		Message:   ev.Message,
		Metadata:  ev.Metadata,
	}
}

// handlePeerFile serves GET /rhizome/file/<FILEHASH> to fetching peers.
func (s *DaemonAPIServer) handlePeerFile(w http.ResponseWriter, r *http.Request) {
	h, err := rhizome.ParseFileHash(r.PathValue("hash"))
	if err != nil {
		http.Error(w, "bad file hash", http.StatusBadRequest)
		return
	}
	body, err := s.svc.Store().OpenPayload(h)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer body.Close()

	if f, ok := body.(*os.File); ok {
		if info, err := f.Stat(); err == nil {
			w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		}
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// handlePeerManifest serves GET /rhizome/manifestbyprefix/<HEX>.
func (s *DaemonAPIServer) handlePeerManifest(w http.ResponseWriter, r *http.Request) {
	prefix, err := hex.DecodeString(r.PathValue("prefix"))
	if err != nil || len(prefix) == 0 || len(prefix) > rhizome.BundleIDBytes {
		http.Error(w, "bad prefix", http.StatusBadRequest)
		return
	}
	m, err := s.svc.Store().ManifestByPrefix(r.Context(), prefix)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeManifest(w, http.StatusOK, m)
}
