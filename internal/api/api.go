// Package api provides the HTTP surface of CRMPipe.
//
// It accepts canonical inbound records from the ingestion collaborator, exposes conversation
// transcripts and a synchronous turn endpoint for operators, and serves health and
// Prometheus metrics. Routes are registered on a gorilla/mux router.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/CRMPipe/internal/metrics"
	"github.com/BTreeMap/CRMPipe/internal/models"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Store is the read side the API needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	Ping(ctx context.Context) error
}

// Acceptor takes inbound records. *trigger.Trigger implements it.
type Acceptor interface {
	Accept(ctx context.Context, in models.InboundMessage) (time.Time, error)
}

// TurnRunner runs a turn synchronously. *flow.Engine implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, in models.InboundMessage) (*models.TurnResult, error)
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc // mounted at /webhooks/twilio when set
	TurnTimeout   time.Duration
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook handler.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// WithTurnTimeout bounds the synchronous turn endpoint.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.TurnTimeout = d
	}
}

// Server is the HTTP API server.
type Server struct {
	http.Server
	st       Store
	acceptor Acceptor
	runner   TurnRunner
	opts     Opts
}

// NewServer builds the server and its routes.
func NewServer(st Store, acceptor Acceptor, runner TurnRunner, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, TurnTimeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		Server: http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		st:       st,
		acceptor: acceptor,
		runner:   runner,
		opts:     cfg,
	}
	s.Handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/inbound", s.inboundHandler).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/messages", s.messagesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/turn", s.turnHandler).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.opts.TwilioWebhook != nil {
		router.HandleFunc("/webhooks/twilio", s.opts.TwilioWebhook).Methods(http.MethodPost)
	}
	router.Use(loggingMiddleware)
	return router
}

// Start serves until Stop is called. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	slog.Info("Server.Start: API listening", "addr", s.Addr)
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	slog.Info("Server.Stop: stopping API server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Server: request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(started))
	})
}
