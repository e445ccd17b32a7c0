// Package httpapi exposes the dashboard surface: health, recent and paid
// message queries, layout CRUD, Prometheus metrics, and the chat websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/you/stream-nexus/internal/core"
	"github.com/you/stream-nexus/internal/layout"
)

const (
	defaultPaidHours = 24
	maxPaidHours     = 24 * 14
)

// Hub is the coordinator surface the API reads from and writes layouts
// through. *hub.Hub satisfies it.
type Hub interface {
	RecentMessages() ([]core.ChatMessage, error)
	PaidMessagesSince(hours int) ([]core.ChatMessage, error)
	FeaturedMessage() (*core.ChatMessage, error)
	LayoutList() (layout.ListResponse, error)
	LayoutByName(name string) (layout.Layout, bool, error)
	ActiveLayout() (layout.Layout, error)
	SaveLayout(l layout.Layout) error
	DeleteLayout(name string) error
	SwitchLayout(name string) error
}

type Options struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Build       BuildInfo

	// WebSocket handles upgrades on /chat.ws. Middleware that would break
	// hijacking (gzip, the recorder) is bypassed for this route.
	WebSocket http.HandlerFunc
}

type Server struct {
	httpServer *http.Server
	hub        Hub
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	started    time.Time
}

func New(h Hub, metrics *Metrics, opts Options) *Server {
	srv := &Server{
		hub:     h,
		opts:    opts,
		metrics: metrics,
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.wrap("healthz", srv.handleHealthz))
	mux.HandleFunc("/info", srv.wrap("info", srv.handleInfo))
	mux.HandleFunc("/messages", srv.wrap("messages", srv.handleMessages))
	mux.HandleFunc("/paid", srv.wrap("paid", srv.handlePaid))
	mux.HandleFunc("/featured", srv.wrap("featured", srv.handleFeatured))
	mux.HandleFunc("/layouts", srv.wrap("layouts", srv.handleLayouts))
	mux.HandleFunc("/layouts/", srv.wrap("layout", srv.handleLayout))
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	if opts.WebSocket != nil {
		mux.HandleFunc("/chat.ws", srv.wrapWS(opts.WebSocket))
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	msgs, err := s.hub.RecentMessages()
	if err != nil {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, msgs)
}

func (s *Server) handlePaid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hours := defaultPaidHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxPaidHours {
			http.Error(w, "invalid hours", http.StatusBadRequest)
			return
		}
		hours = n
	}
	msgs, err := s.hub.PaidMessagesSince(hours)
	if err != nil {
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []core.ChatMessage{}
	}
	writeJSON(w, msgs)
}

func (s *Server) handleFeatured(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	msg, err := s.hub.FeaturedMessage()
	if err != nil {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, msg)
}

func (s *Server) handleLayouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := s.hub.LayoutList()
	if err != nil {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, list)
}

// handleLayout serves /layouts/{name}: GET loads, PUT saves, DELETE removes.
// POST /layouts/{name}/activate makes the layout active and broadcasts it.
func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/layouts/")
	if name, ok := strings.CutSuffix(rest, "/activate"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.hub.SwitchLayout(name); err != nil {
			if errors.Is(err, layout.ErrNotFound) {
				http.Error(w, "layout not found", http.StatusNotFound)
				return
			}
			http.Error(w, "switch error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	name := path.Base(r.URL.Path)
	if name == "" || name == "layouts" || name == "." || name == "/" {
		http.Error(w, "layout name required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		l, found, err := s.hub.LayoutByName(name)
		if err != nil {
			http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
			return
		}
		if !found {
			http.Error(w, "layout not found", http.StatusNotFound)
			return
		}
		writeJSON(w, l)
	case http.MethodPut:
		var l layout.Layout
		if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
			http.Error(w, "invalid layout body", http.StatusBadRequest)
			return
		}
		l.Name = name
		if err := s.hub.SaveLayout(l); err != nil {
			http.Error(w, "save error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.hub.DeleteLayout(name); err != nil {
			if errors.Is(err, layout.ErrNotFound) {
				http.Error(w, "layout not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
