// Package web serves a read-only HTTP view of a running swarm, a websocket
// feed of its events and the Prometheus metrics endpoint.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/metrics"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/queue"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Source is the running swarm as seen by the API.
type Source interface {
	Status(ctx context.Context) (swarm.StatusReport, error)
	TopResults(ctx context.Context, n int) ([]memory.Entry, error)
	Tasks(ctx context.Context) ([]queue.Task, error)
}

type Server struct {
	source    Source
	nats      *natsbus.Client
	metrics   *metrics.Collector
	store     *store.Store
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
	logger    *slog.Logger
	sub       *nats.Subscription
}

// NewServer builds the server. client, m and st may be nil; the matching
// routes then report nothing or are left out.
func NewServer(src Source, client *natsbus.Client, m *metrics.Collector, st *store.Store, cfg config.WebConfig, version string) *Server {
	return &Server{
		source:    src,
		nats:      client,
		metrics:   m,
		store:     st,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		logger:    slog.Default().With("component", "web"),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.registerAPI(mux)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Subscribe to NATS events and broadcast to WebSocket
	if err := s.subscribeEvents(); err != nil {
		s.logger.Warn("event stream unavailable", "error", err)
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		server.Close()
	}()

	s.logger.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && !s.checkAuth(w, r) {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth validates Basic Auth. Returns true if authenticated.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="hive"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) subscribeEvents() error {
	if s.nats == nil {
		return nil
	}

	// Forward all event topics to WebSocket
	sub, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Warn("invalid NATS event payload", "subject", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.sub = sub
	return nil
}
