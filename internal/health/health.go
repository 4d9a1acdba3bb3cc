// Package health serves the liveness, readiness and status endpoints.
//
//   - GET /        and GET /health: status document with a timestamp.
//   - GET /healthz: liveness check; always 200.
//   - GET /readyz:  200 only when every [Checker] passes, 503 otherwise.
//
// Checkers run concurrently, each under its own timeout.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name is the key in the "checks" object, e.g. "database".
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is satisfied by database adapters and shard sets.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker returns a Checker that pings p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// result is the JSON body of /healthz and /readyz.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// statusDoc is the JSON body of / and /health.
type statusDoc struct {
	Status    string `json:"status"`
	Service   string `json:"service,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithService names the service in the status document.
func WithService(name string) Option {
	return func(h *Handler) { h.service = name }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	service  string
	now      func() time.Time
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always returns 200 OK. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.Check(r.Context())
	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Check runs every checker concurrently and reports each outcome as "ok" or
// "fail: <err>".
func (h *Handler) Check(ctx context.Context) (checks map[string]string, ok bool) {
	checks = make(map[string]string, len(h.checkers))
	ok = true

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				ok = false
				return
			}
			checks[c.Name] = "ok"
		}()
	}
	wg.Wait()
	return checks, ok
}

// Root answers GET / with {"status":"online"}.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status("online"))
}

// Health answers GET /health with {"status":"healthy"}.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status("healthy"))
}

func (h *Handler) status(s string) statusDoc {
	return statusDoc{Status: s, Service: h.service, Timestamp: h.now().UTC().Format(time.RFC3339)}
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
