package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/platform/httpx"
	"github.com/retailcore/orders/internal/platform/requestctx"
)

const (
	defaultHeaderName  = "Idempotency-Key"
	replayHeaderName   = "X-Idempotent-Replay"
	defaultMaxBodySize = 1 << 20
	maxKeyLength       = 255
	anonymousRequester = "anonymous"
)

var errBodyTooLarge = errors.New("idempotency: request body too large")

type middlewareConfig struct {
	headerName  string
	ttl         time.Duration
	methods     map[string]struct{}
	clock       func() time.Time
	logger      *zap.Logger
	requireKey  bool
	maxBodySize int64
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL sets how long completed responses stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods are guarded.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		set := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				set[method] = struct{}{}
			}
		}
		if len(set) > 0 {
			cfg.methods = set
		}
	}
}

// WithRequiredKey rejects guarded requests that carry no key.
func WithRequiredKey() MiddlewareOption {
	return func(cfg *middlewareConfig) { cfg.requireKey = true }
}

// WithMaxBodySize bounds how much of the request body is buffered for fingerprinting.
func WithMaxBodySize(limit int64) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if limit > 0 {
			cfg.maxBodySize = limit
		}
	}
}

// WithLogger sets the logger used when no request-scoped logger is present.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware replays the stored response when a guarded request repeats an Idempotency-Key.
// Keys are scoped to the authenticated principal, so it must run after authentication.
// Requests without a key pass through unless WithRequiredKey is set. 5xx responses release the
// reservation instead of being stored, so a retry runs the handler again.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		methods: map[string]struct{}{
			http.MethodPost:   {},
			http.MethodPut:    {},
			http.MethodPatch:  {},
			http.MethodDelete: {},
		},
		clock:       time.Now,
		logger:      zap.NewNop(),
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := cfg.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			switch {
			case key == "" && !cfg.requireKey:
				next.ServeHTTP(w, r)
				return
			case key == "":
				respondError(w, r, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
				return
			case !validKey(key):
				respondError(w, r, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key must be at most 255 printable characters")
				return
			}

			body, err := bufferBody(r, cfg.maxBodySize)
			if err != nil {
				if errors.Is(err, errBodyTooLarge) {
					respondError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
					return
				}
				respondError(w, r, http.StatusBadRequest, "invalid_request", "unable to read request body")
				return
			}

			ctx := r.Context()
			logger := cfg.logger
			if requestctx.HasLogger(ctx) {
				logger = requestctx.Logger(ctx)
			}
			requester := requesterID(ctx)
			scoped := key + "|" + requester
			fingerprint := requestFingerprint(r, body, requester)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			if errors.Is(err, ErrFingerprintMismatch) {
				respondError(w, r, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
				return
			}
			if err != nil {
				logger.Error("idempotency reserve failed", zap.String("idempotency_key", key), zap.Error(err))
				respondError(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
				return
			}
			switch reservation.State {
			case ReservationStateCompleted:
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				respondError(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
				return
			}

			capture := newCapture()
			next.ServeHTTP(capture, r)

			if capture.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.String("idempotency_key", key), zap.Error(err))
				}
				capture.flush(w)
				return
			}

			resp := Response{Status: capture.status, Headers: capture.header.Clone(), Body: capture.body.Bytes()}
			if err := store.SaveResponse(ctx, scoped, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				logger.Error("idempotency save failed", zap.String("idempotency_key", key), zap.Error(err))
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.String("idempotency_key", key), zap.Error(err))
				}
				respondError(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
				return
			}
			capture.flush(w)
		})
	}
}

func validKey(key string) bool {
	if len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return false
		}
	}
	return true
}

// bufferBody reads at most limit bytes and rewinds r.Body so the handler sees the same payload.
func bufferBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint binds a key to method, path, query, content type, requester and body.
func requestFingerprint(r *http.Request, body []byte, requester string) string {
	h := sha256.New()
	for _, part := range []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		requester,
	} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		if uid := strings.TrimSpace(identity.UID); uid != "" {
			return uid
		}
	}
	return anonymousRequester
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range record.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// capture buffers the handler's response so it can be stored before reaching the client.
type capture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapture() *capture {
	return &capture{header: make(http.Header)}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capture) flush(w http.ResponseWriter) {
	header := w.Header()
	for name, values := range c.header {
		header[name] = values
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(c.body.Bytes())
}
