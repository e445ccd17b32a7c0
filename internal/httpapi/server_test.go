package httpapi

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/stream-nexus/internal/core"
	"github.com/you/stream-nexus/internal/layout"
)

type stubHub struct {
	recent   []core.ChatMessage
	paid     []core.ChatMessage
	gotHours int
	featured *core.ChatMessage
	layouts  map[string]layout.Layout
	active   string
	saved    []layout.Layout
}

func newStubHub() *stubHub {
	return &stubHub{
		layouts: map[string]layout.Layout{"default": {Name: "default", Version: 1}},
		active:  "default",
	}
}

func (s *stubHub) RecentMessages() ([]core.ChatMessage, error) { return s.recent, nil }

func (s *stubHub) PaidMessagesSince(hours int) ([]core.ChatMessage, error) {
	s.gotHours = hours
	return s.paid, nil
}

func (s *stubHub) FeaturedMessage() (*core.ChatMessage, error) { return s.featured, nil }

func (s *stubHub) LayoutList() (layout.ListResponse, error) {
	names := make([]string, 0, len(s.layouts))
	for name := range s.layouts {
		names = append(names, name)
	}
	return layout.ListResponse{Layouts: names, Active: s.active}, nil
}

func (s *stubHub) LayoutByName(name string) (layout.Layout, bool, error) {
	l, ok := s.layouts[name]
	return l, ok, nil
}

func (s *stubHub) ActiveLayout() (layout.Layout, error) { return s.layouts[s.active], nil }

func (s *stubHub) SaveLayout(l layout.Layout) error {
	s.layouts[l.Name] = l
	s.saved = append(s.saved, l)
	return nil
}

func (s *stubHub) SwitchLayout(name string) error {
	if _, ok := s.layouts[name]; !ok {
		return layout.ErrNotFound
	}
	s.active = name
	return nil
}

func (s *stubHub) DeleteLayout(name string) error {
	if name == s.active {
		return errors.New("cannot delete the active layout")
	}
	if _, ok := s.layouts[name]; !ok {
		return layout.ErrNotFound
	}
	delete(s.layouts, name)
	return nil
}

func newTestServer(hub Hub, opts Options) *Server {
	metrics := NewMetrics(prometheus.NewRegistry())
	return New(hub, metrics, opts)
}

func doRequest(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(newStubHub(), Options{})
	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}

func TestInfoEndpoint(t *testing.T) {
	built := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv := newTestServer(newStubHub(), Options{
		Build: BuildInfo{Version: "1.2.3", Revision: "abc123", BuiltAt: built},
	})

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/info", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Service   string `json:"service"`
		Version   string `json:"version"`
		Revision  string `json:"revision"`
		BuiltAt   string `json:"built_at"`
		Go        string `json:"go"`
		UptimeSec int64  `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Service != "stream-nexus" || got.Version != "1.2.3" || got.Revision != "abc123" {
		t.Fatalf("identity fields = %+v", got)
	}
	if got.BuiltAt != "2026-08-01T12:00:00Z" {
		t.Fatalf("built_at = %q", got.BuiltAt)
	}
	if got.Go == "" {
		t.Fatalf("go version missing")
	}
	if got.UptimeSec < 0 {
		t.Fatalf("uptime = %d", got.UptimeSec)
	}
}

func TestMessagesReturnsRecent(t *testing.T) {
	hub := newStubHub()
	msg := core.NewChatMessage()
	msg.Message = "hello"
	hub.recent = []core.ChatMessage{msg}
	srv := newTestServer(hub, Options{})

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/messages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []core.ChatMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Message != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestPaidHoursParam(t *testing.T) {
	hub := newStubHub()
	srv := newTestServer(hub, Options{})

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/paid", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if hub.gotHours != defaultPaidHours {
		t.Fatalf("default hours = %d", hub.gotHours)
	}
	// Empty result must serialize as [], not null.
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("body = %q", rec.Body.String())
	}

	rec = doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/paid?hours=48", nil))
	if rec.Code != http.StatusOK || hub.gotHours != 48 {
		t.Fatalf("status = %d hours = %d", rec.Code, hub.gotHours)
	}

	for _, bad := range []string{"abc", "-1", "100000"} {
		rec = doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/paid?hours="+bad, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("hours=%s: status = %d", bad, rec.Code)
		}
	}
}

func TestFeaturedNullWhenUnset(t *testing.T) {
	srv := newTestServer(newStubHub(), Options{})
	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/featured", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "null" {
		t.Fatalf("featured: %d %q", rec.Code, rec.Body.String())
	}
}

func TestLayoutCRUD(t *testing.T) {
	hub := newStubHub()
	srv := newTestServer(hub, Options{})

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/layouts", nil))
	var list layout.ListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Active != "default" {
		t.Fatalf("active = %q", list.Active)
	}

	rec = doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/layouts/default", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get default: %d", rec.Code)
	}
	rec = doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/layouts/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: %d", rec.Code)
	}

	// PUT: the path segment wins over the name in the body.
	body := strings.NewReader(`{"name":"other","version":3}`)
	rec = doRequest(t, srv, httptest.NewRequest(http.MethodPut, "/layouts/scene", body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put: %d", rec.Code)
	}
	if len(hub.saved) != 1 || hub.saved[0].Name != "scene" || hub.saved[0].Version != 3 {
		t.Fatalf("saved %v", hub.saved)
	}

	rec = doRequest(t, srv, httptest.NewRequest(http.MethodDelete, "/layouts/scene", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = doRequest(t, srv, httptest.NewRequest(http.MethodDelete, "/layouts/default", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete active: %d", rec.Code)
	}
	rec = doRequest(t, srv, httptest.NewRequest(http.MethodDelete, "/layouts/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete missing: %d", rec.Code)
	}
}

func TestLayoutActivate(t *testing.T) {
	hub := newStubHub()
	hub.layouts["alt"] = layout.Layout{Name: "alt", Version: 1}
	srv := newTestServer(hub, Options{})

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodPost, "/layouts/alt/activate", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("activate: %d", rec.Code)
	}
	if hub.active != "alt" {
		t.Fatalf("active = %q", hub.active)
	}

	rec = doRequest(t, srv, httptest.NewRequest(http.MethodPost, "/layouts/missing/activate", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("activate missing: %d", rec.Code)
	}
	rec = doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/layouts/alt/activate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("activate wrong method: %d", rec.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	srv := newTestServer(newStubHub(), Options{RateRPS: 1, RateBurst: 1})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	if rec := doRequest(t, srv, req); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := doRequest(t, srv, req); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rec.Code)
	}

	// A different client is limited independently.
	other := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	other.RemoteAddr = "192.0.2.11:4000"
	if rec := doRequest(t, srv, other); rec.Code != http.StatusOK {
		t.Fatalf("other client: %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(newStubHub(), Options{CORSOrigins: []string{"https://overlay.example"}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://overlay.example")
	rec := doRequest(t, srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed origin: %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://overlay.example" {
		t.Fatalf("missing allow-origin header")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	if rec := doRequest(t, srv, req); rec.Code != http.StatusForbidden {
		t.Fatalf("denied origin: %d", rec.Code)
	}

	pre := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	pre.Header.Set("Origin", "https://overlay.example")
	pre.Header.Set("Access-Control-Request-Method", "GET")
	rec = doRequest(t, srv, pre)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "GET") {
		t.Fatalf("preflight methods header missing")
	}
}

func TestGzipEncoding(t *testing.T) {
	hub := newStubHub()
	msg := core.NewChatMessage()
	msg.Message = "compressed"
	hub.recent = []core.ChatMessage{msg}
	srv := newTestServer(hub, Options{})

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := doRequest(t, srv, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding")
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(string(plain), "compressed") {
		t.Fatalf("body = %s", plain)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(newStubHub(), Options{})
	doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nexus_http_requests_total") {
		t.Fatalf("metrics body missing request counter")
	}
}
