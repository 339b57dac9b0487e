// Package web serves the observation and control surfaces: the status
// snapshot, the SSE event stream, the control-plane API, webhook ingress,
// the worker gateway endpoint, project public keys and Prometheus metrics.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/connection"
	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/keys"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/results"
)

// Scheduler is the surface the web server drives.
type Scheduler interface {
	// WithLock runs fn while pipeline state cannot change
	WithLock(fn func())

	// Abide returns the current tenant container; callers hold the lock
	Abide() *model.Abide

	// AddManagementEvent enqueues a control-plane operation
	AddManagementEvent(ev events.ManagementEvent)

	// Exit requests a graceful shutdown
	Exit()
}

// Options wire a server.
type Options struct {
	Log    *zap.SugaredLogger
	Listen string

	Sched    Scheduler
	Bus      *events.Bus
	Registry *connection.Registry
	Gateway  *gateway.Gateway
	Keys     *keys.Registry

	// Results is nil when no results database is configured
	Results *results.Store

	// Level is the process log level flipped by /control/verbose
	Level zap.AtomicLevel

	// Metrics registers the /metrics endpoint from this gatherer
	Metrics prometheus.Gatherer
}

// Server is the process HTTP front end.
type Server struct {
	log  *zap.SugaredLogger
	opts Options

	httpServer *http.Server
	listener   net.Listener
}

// New builds the server and its routing table. Call Start to listen.
func New(opts Options) *Server {
	s := &Server{
		log:  opts.Log.Named("web"),
		opts: opts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status.json", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.HandleFunc("/api/builds", s.handleBuilds)
	mux.HandleFunc("/keys/", s.handleKeys)

	mux.HandleFunc("/control/reconfigure", s.handleReconfigure)
	mux.HandleFunc("/control/promote", s.handlePromote)
	mux.HandleFunc("/control/enqueue", s.handleEnqueue)
	mux.HandleFunc("/control/exit", s.handleExit)
	mux.HandleFunc("/control/verbose", s.handleVerbose)

	if opts.Gateway != nil {
		mux.Handle("/gateway", opts.Gateway.Handler())
	}
	if opts.Registry != nil {
		opts.Registry.MountWebhooks(mux)
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{Addr: opts.Listen, Handler: mux}
	return s
}

// Start listens and serves in a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}
	s.listener = listener
	s.log.Infow("web server listening", "addr", listener.Addr().String())
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("web server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
