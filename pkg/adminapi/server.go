// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package adminapi serves the relay's HTTP admin API: broadcasts, link
// lookups, the feedback log and Prometheus metrics.
package adminapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"

	"github.com/aiku/feedback-relay/pkg/config"
	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
)

// maxBodySize is the maximum allowed request body (1 MB).
const maxBodySize = 1 << 20

const shutdownTimeout = 10 * time.Second

// Relay is the part of relay.Engine the API exposes.
type Relay interface {
	Broadcast(ctx context.Context, targets []relay.UserID, content relay.Content) *relay.BroadcastResult
	BroadcastAll(ctx context.Context, content relay.Content) (*relay.BroadcastResult, error)
	LookupCorrespondent(ctx context.Context, relayMsg relay.MessageID) (relay.UserID, error)
}

// FeedbackLog lists recent feedback records.
type FeedbackLog interface {
	Latest(ctx context.Context, limit int) ([]*relaydb.Feedback, error)
}

var (
	_ Relay       = (*relay.Engine)(nil)
	_ FeedbackLog = (*relaydb.FeedbackQuery)(nil)
)

type Server struct {
	relay    Relay
	feedback FeedbackLog
	registry *prometheus.Registry
	secret   string
	addr     string
	log      zerolog.Logger
}

func New(cfg config.AdminAPIConfig, r Relay, feedback FeedbackLog, registry *prometheus.Registry, log zerolog.Logger) *Server {
	return &Server{
		relay:    r,
		feedback: feedback,
		registry: registry,
		secret:   cfg.SharedSecret,
		addr:     cfg.Address,
		log:      log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler returns the API routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/broadcast", s.authenticated(s.handleBroadcast))
	mux.Handle("GET /api/links/{id}", s.authenticated(s.handleGetLink))
	mux.Handle("GET /api/feedback", s.authenticated(s.handleFeedback))
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return exhttp.ApplyMiddleware(
		mux,
		hlog.NewHandler(s.log),
		hlog.RemoteAddrHandler("remote_addr"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Handled admin API request")
		}),
	)
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("Starting admin API")
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	exhttp.WriteJSONResponse(w, status, &errorResponse{Error: msg})
}

// authenticated requires the shared secret as a bearer token when one is configured.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
				hlog.FromRequest(r).Warn().Msg("Rejected admin API request with bad credentials")
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next(w, r)
	})
}
