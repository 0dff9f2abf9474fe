package testsupport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// RESTBackend is a fake of the synchronous analysis API and its error-log
// endpoint.
type RESTBackend struct {
	server *httptest.Server

	mu       sync.Mutex
	status   int
	body     string
	delay    time.Duration
	requests []map[string]any
	reports  []map[string]any
	keys     []string
}

// NewRESTBackend serves POST /v1/chat and POST /v1/conversations/log-error.
// Chat requests are answered with 201 and an assistant_message of reply.
func NewRESTBackend(t testing.TB, reply string) *RESTBackend {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"assistant_message": reply})
	rb := &RESTBackend{status: http.StatusCreated, body: string(body)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", rb.chat)
	mux.HandleFunc("POST /v1/conversations/log-error", rb.logError)
	rb.server = httptest.NewServer(mux)
	t.Cleanup(rb.server.Close)
	return rb
}

// ChatURL returns the analysis endpoint.
func (rb *RESTBackend) ChatURL() string { return rb.server.URL + "/v1/chat" }

// LogErrorURL returns the error-log endpoint.
func (rb *RESTBackend) LogErrorURL() string {
	return rb.server.URL + "/v1/conversations/log-error"
}

// Respond sets the status and raw body of subsequent chat replies.
func (rb *RESTBackend) Respond(status int, body string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.status = status
	rb.body = body
}

// SetDelay makes chat replies wait d before answering.
func (rb *RESTBackend) SetDelay(d time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.delay = d
}

// Requests returns decoded chat request bodies.
func (rb *RESTBackend) Requests() []map[string]any {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return append([]map[string]any(nil), rb.requests...)
}

// Reports returns decoded error-log bodies.
func (rb *RESTBackend) Reports() []map[string]any {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return append([]map[string]any(nil), rb.reports...)
}

// APIKeys returns the x-api-key header of every chat request.
func (rb *RESTBackend) APIKeys() []string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return append([]string(nil), rb.keys...)
}

func (rb *RESTBackend) chat(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	data, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(data, &req)

	rb.mu.Lock()
	rb.requests = append(rb.requests, req)
	rb.keys = append(rb.keys, r.Header.Get("x-api-key"))
	status, body, delay := rb.status, rb.body, rb.delay
	rb.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (rb *RESTBackend) logError(w http.ResponseWriter, r *http.Request) {
	var report map[string]any
	_ = json.NewDecoder(r.Body).Decode(&report)
	rb.mu.Lock()
	rb.reports = append(rb.reports, report)
	rb.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}
