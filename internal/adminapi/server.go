// Package adminapi exposes a node's local, operator-only control socket:
// status, peer listing, and graceful shutdown. It is a cookie-authenticated
// Unix-domain-socket HTTP API, never reachable over the network — a
// deliberately separate surface from the SubscriberBus observer push
// channel, which streams gossip state rather than answering requests.
package adminapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/gossipmesh/gossipmesh/pkg/gossip"
)

// RuntimeInfo decouples this package from cmd/gossipmesh-node's concrete
// process wiring.
type RuntimeInfo interface {
	NodeID() string
	Version() string
	StartTime() time.Time
	Snapshot() gossip.Snapshot
}

// Server is the node's Unix-socket control API.
type Server struct {
	runtime    RuntimeInfo
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cookiePath string
	authToken  string
	shutdownCh chan struct{}

	metrics *gossip.Metrics
	audit   *gossip.AuditLogger

	mu sync.Mutex
}

// NewServer creates a new admin API server. It does not bind the socket
// until Start is called.
func NewServer(runtime RuntimeInfo, socketPath, cookiePath string) *Server {
	return &Server{
		runtime:    runtime,
		socketPath: socketPath,
		cookiePath: cookiePath,
		shutdownCh: make(chan struct{}),
	}
}

// SetInstrumentation configures optional metrics and audit logging. Must
// be called before Start. Both parameters are nil-safe.
func (s *Server) SetInstrumentation(metrics *gossip.Metrics, audit *gossip.AuditLogger) {
	s.metrics = metrics
	s.audit = audit
}

// ShutdownCh is closed when a shutdown is requested via POST /v1/shutdown.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// Start binds the Unix socket, writes the cookie file, and begins
// serving in a background goroutine.
func (s *Server) Start() error {
	token, err := generateCookie()
	if err != nil {
		return fmt.Errorf("failed to generate auth cookie: %w", err)
	}
	s.authToken = token

	if err := s.checkStaleSocket(); err != nil {
		return err
	}

	// Bind with a restrictive umask so the socket is created at 0600
	// atomically, closing the Listen()/Chmod() TOCTOU window.
	oldUmask := syscall.Umask(0077)
	listener, err := net.Listen("unix", s.socketPath)
	syscall.Umask(oldUmask)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	if err := os.WriteFile(s.cookiePath, []byte(token), 0600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	slog.Info("admin API cookie written", "path", s.cookiePath)

	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      instrumentHandler(s.authMiddleware(mux), s.metrics, s.audit),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "error", err)
		}
	}()

	slog.Info("admin API listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the HTTP server and cleans up the socket
// and cookie files.
func (s *Server) Stop() {
	slog.Info("admin API shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}

	os.Remove(s.socketPath)
	os.Remove(s.cookiePath)
	slog.Info("admin API stopped")
}

func (s *Server) checkStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		slog.Info("removing stale admin API socket", "path", s.socketPath)
		os.Remove(s.socketPath)
		return nil
	}
	conn.Close()
	return fmt.Errorf("%w: socket %s is already in use", ErrAdminAlreadyRunning, s.socketPath)
}

func generateCookie() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		expected := "Bearer " + s.authToken
		if auth != expected {
			respondError(w, http.StatusUnauthorized, "unauthorized: invalid or missing auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/peers", s.handlePeers)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.runtime.Snapshot()
	direct := 0
	for _, p := range snap.Peers {
		if p.ConnStatus == gossip.ConnStatusDirect {
			direct++
		}
	}
	respondJSON(w, http.StatusOK, StatusResponse{
		NodeID:          s.runtime.NodeID(),
		Version:         s.runtime.Version(),
		UptimeSeconds:   int(time.Since(s.runtime.StartTime()).Seconds()),
		PeerRecordCount: len(snap.Peers),
		DirectEdgeCount: direct,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	snap := s.runtime.Snapshot()
	out := make([]PeerInfo, 0, len(snap.Peers))
	for id, rec := range snap.Peers {
		out = append(out, PeerInfo{
			NodeID:      id,
			ConnStatus:  string(rec.ConnStatus),
			LastUpdated: rec.LastUpdated.UTC().Format(time.RFC3339),
			CommunityID: rec.Payload.CommunityID,
			Value:       rec.Payload.Value,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
}
