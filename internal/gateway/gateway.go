// Package gateway serves chatrelay's HTTP surface: login, uploaded files, the
// WebSocket endpoint, status and metrics.
package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/upload"

	"github.com/rs/cors"
)

// Relay is the part of the hub the gateway needs.
type Relay interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

type Config struct {
	Host        string
	Port        int
	Password    string
	Version     string
	MetricsPath string // empty disables /metrics
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

type Gateway struct {
	cfg     Config
	relay   Relay
	uploads domain.BlobStore
	logger  *slog.Logger
	metrics *metrics.Collector
}

func New(cfg Config, relay Relay, uploads domain.BlobStore) *Gateway {
	if cfg.Port == 0 {
		cfg.Port = 3001
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Gateway{
		cfg:     cfg,
		relay:   relay,
		uploads: uploads,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Addr is the configured listen address.
func (g *Gateway) Addr() string {
	return net.JoinHostPort(g.cfg.Host, fmt.Sprint(g.cfg.Port))
}

// Handler returns the full route table wrapped in CORS and request logging.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", g.handleLogin)
	mux.HandleFunc("GET /uploads/{filename}", g.handleUpload)
	mux.HandleFunc("GET /ws", g.relay.ServeWS)
	mux.HandleFunc("GET /status", g.handleStatus)
	if g.cfg.MetricsPath != "" {
		mux.Handle("GET "+g.cfg.MetricsPath, g.metrics.Handler())
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return g.logRequests(c.Handler(mux))
}

// Start listens on the configured address and serves until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.Addr(), err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	// No WriteTimeout: it would cut long-lived WebSocket connections.
	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway started", "addr", "http://"+ln.Addr().String(), "auth", g.cfg.Password != "")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type loginRequest struct {
	Password *string `json:"password"`
}

type loginResponse struct {
	Success bool `json:"success"`
}

func (g *Gateway) handleLogin(rw http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.logger.Debug("malformed login body", "err", err)
		writeJSON(rw, http.StatusBadRequest, loginResponse{Success: false})
		return
	}
	writeJSON(rw, http.StatusOK, loginResponse{Success: g.checkPassword(req.Password)})
}

// checkPassword is exact byte equality; nothing is trimmed or case-folded.
func (g *Gateway) checkPassword(given *string) bool {
	if given == nil || g.cfg.Password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*given), []byte(g.cfg.Password)) == 1
}

func (g *Gateway) handleUpload(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	data, err := g.uploads.Read(name)
	if err != nil {
		g.logger.Debug("upload not served", "filename", name, "err", err)
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	rw.Header().Set("Content-Type", upload.ContentType(name, data))
	http.ServeContent(rw, r, name, time.Time{}, bytes.NewReader(data))
}

func (g *Gateway) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     g.cfg.Version,
		"time":        time.Now().Format(time.RFC3339),
		"connections": g.relay.ClientCount(),
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
