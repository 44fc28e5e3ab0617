// Package edge is the HTTP plane: the gateway redirects, tokened delivery,
// the cache-miss mirror, the song index and the receipt surfaces.
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/compensator"
	"github.com/ayadance/wanna-cdn/internal/config"
	"github.com/ayadance/wanna-cdn/internal/fetch"
	"github.com/ayadance/wanna-cdn/internal/log"
	"github.com/ayadance/wanna-cdn/internal/receipt"
	"github.com/ayadance/wanna-cdn/internal/songindex"
	"github.com/ayadance/wanna-cdn/internal/token"
)

// Server wires the long-lived components into the HTTP surfaces. All
// fields must be set before Router or Run.
type Server struct {
	Config      *config.Config
	Tokens      *token.Codec
	Index       *cache.Index
	Fetcher     *fetch.Fetcher
	Compensator *compensator.Cache
	Receipts    *receipt.Service
	Songs       *songindex.Service
	Version     string

	logger zerolog.Logger
}

// Router builds the chi router with every surface mounted.
func (s *Server) Router() http.Handler {
	s.logger = log.WithComponent("edge")

	r := chi.NewRouter()
	r.Use(s.cors)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/v/{file}", s.handleDelivery)
	r.Get("/files/{date}/{basename}", s.handleFiles)
	r.Get("/Api/Songs/play", s.handlePlayGateway)

	r.Route("/api/{version}", func(r chi.Router) {
		r.Get("/aya", s.handleHello)
		r.Get("/aya/songs", s.handleSongs)
		r.Get("/videos/{file}", s.handleVideoGateway)
		r.Post("/rooms/{room}/receipts", s.handleReceiptCreate)
		r.Get("/rooms/{room}/receipts", s.handleReceiptList)
		r.Delete("/receipts/{id}", s.handleReceiptDelete)
		// Anything else under /api is not ours; hand the client to the
		// origin at the same path.
		r.NotFound(s.handleCatchAll)
	})

	return r
}

// Run serves until ctx is done, then drains with a 10 s grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Config.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("listen", s.Config.Listen).Str("version", s.Version).Msg("edge listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.Version,
	})
}

// oops is the uniform opaque client error: every validation failure looks
// the same from outside, the distinction lives in the logs.
func (s *Server) oops(w http.ResponseWriter, r *http.Request, why string, err error) {
	s.logger.Debug().Err(err).
		Str("path", r.URL.Path).
		Str("remote", r.RemoteAddr).
		Str("why", why).
		Msg("rejected request")
	http.Error(w, "Oops!", http.StatusBadRequest)
}

// redirect sends a 302 with the location echoed in the body, the way the
// dance client expects it.
func redirect(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
	fmt.Fprint(w, location)
}

// clientIP resolves the caller's address: the first X-Forwarded-For
// element when the edge sits behind a proxy, otherwise the TCP peer.
// Empty means the request carries no usable address and must be rejected.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// clientPort is the caller's ephemeral port, used to isolate concurrent
// captures of the same file.
func clientPort(r *http.Request) string {
	_, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || port == "" {
		return "0"
	}
	return port
}
