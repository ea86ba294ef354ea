// Package controlapi implements the operator-facing collaborator
// described in spec.md §4.E: a mutually-authenticated HTTPS server that
// can inspect the reactor's live SNI routing table and ask it to shut
// down. It talks to internal/nexus only through the controlmsg channel
// contract; it never touches Flow state directly.
package controlapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkprokoba/tnexus/internal/controlmsg"
	"github.com/darkprokoba/tnexus/internal/logging"
)

// Config carries the mutual-TLS material the control API listens with.
type Config struct {
	KeyFile            string
	CertFile           string
	AuthorizedCertFile string
}

// Server is the control API collaborator. Construct with New, bind and
// start serving with Start, and call Shutdown once the reactor has
// acknowledged a Quit.
type Server struct {
	cfg     Config
	control chan<- any
	nudge   func()
	log     *logging.Logger

	ln  net.Listener
	srv *http.Server
}

// New constructs a Server. control is the reactor's Control() channel;
// nudge should wake the reactor's poller after a message is enqueued
// (Nexus.Nudge).
func New(cfg Config, control chan<- any, nudge func(), log *logging.Logger) *Server {
	return &Server{cfg: cfg, control: control, nudge: nudge, log: log}
}

// Start loads the TLS material, binds a loopback listener on an
// OS-assigned port, and begins serving in the background. It returns the
// bound address so the caller can install the synthetic tnexus.net SNI
// route (spec.md §6).
func (s *Server) Start() (string, error) {
	tlsConfig, err := s.buildTLSConfig()
	if err != nil {
		return "", err
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	if err != nil {
		return "", fmt.Errorf("controlapi: listen: %w", err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sni", s.handleSni)
	mux.HandleFunc("/quit", s.handleQuit)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Handler:           s.withRequestID(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("control api serve: %v", err)
		}
	}()

	addr := ln.Addr().String()
	s.log.Infof("control api listening on %s", addr)
	return addr, nil
}

// Shutdown stops accepting new requests and waits for in-flight ones to
// finish, up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("controlapi: load server cert/key: %w", err)
	}

	authorizedPEM, err := os.ReadFile(s.cfg.AuthorizedCertFile)
	if err != nil {
		return nil, fmt.Errorf("controlapi: read authorized client cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(authorizedPEM) {
		return nil, fmt.Errorf("controlapi: %s contains no usable certificate", s.cfg.AuthorizedCertFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// withRequestID tags every request with a correlation id (in the style
// of the route ids patdowney-tcpproxy hands out when a route is
// installed) so a burst of /sni polling or a /quit call can be traced
// through the logs.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		w.Header().Set("X-Request-Id", reqID)
		s.log.Info("control api request",
			logging.Field{Key: "request_id", Value: reqID},
			logging.Field{Key: "method", Value: r.Method},
			logging.Field{Key: "path", Value: r.URL.Path},
			logging.Field{Key: "remote", Value: r.RemoteAddr},
		)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSni(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	reply := make(chan map[string]string, 1)
	s.control <- controlmsg.SniRequest{Reply: reply}
	if s.nudge != nil {
		s.nudge()
	}

	select {
	case snapshot := <-reply:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			s.log.Warn("control api: encode sni snapshot", logging.Field{Key: "err", Value: err})
		}
	case <-r.Context().Done():
		w.WriteHeader(http.StatusGatewayTimeout)
	}
}

func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	reply := make(chan struct{})
	s.control <- controlmsg.Quit{Reply: reply}
	if s.nudge != nil {
		s.nudge()
	}

	select {
	case <-reply:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
		w.WriteHeader(http.StatusGatewayTimeout)
	}
}
