// Package server exposes the reconciliation engine over HTTP.
//
// The server triggers runs on demand (GET or POST /sync), serves run
// history, and broadcasts completed run summaries to connected
// WebSocket clients so a dashboard can watch syncs happen live.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskmirror/taskmirror/internal/schema"
)

// Runner triggers one reconciliation run. Implemented by *engine.Engine.
type Runner interface {
	Run(ctx context.Context) (*schema.RunSummary, error)
}

// History reads recorded run summaries. Implemented by *store.Store.
type History interface {
	RecentRunsContext(ctx context.Context, n int) ([]*schema.RunSummary, error)
}

// MessageType defines the type of a WebSocket broadcast message.
type MessageType string

const (
	// MessageTypeRunComplete carries the summary of a finished run.
	MessageTypeRunComplete MessageType = "run_complete"

	// MessageTypeRunFailed indicates a run aborted before producing a
	// summary.
	MessageTypeRunFailed MessageType = "run_failed"
)

// Message is a WebSocket broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// Server manages the HTTP trigger endpoint and WebSocket broadcasts.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	runner  Runner
	history History

	// Triggers are serialized: the engine and the mapping store assume
	// non-overlapping runs.
	runMu sync.Mutex

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server around a runner and a history reader.
func NewServer(runner Runner, history History, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		runner:    runner,
		history:   history,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins listening and serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Runs can take minutes against slow APIs; no write timeout.
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Handler returns the HTTP handler; exported so tests can drive it
// without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Sync server stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ===== HTTP handlers =====

type syncDetails struct {
	Projects schema.Stats `json:"projects"`
	Tasks    schema.Stats `json:"tasks"`
	Errors   []string     `json:"errors"`
}

type syncResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Details *syncDetails `json:"details,omitempty"`
}

// writeCORS sets permissive CORS headers and answers preflight. Returns
// true if the request was an OPTIONS preflight and has been handled.
func writeCORS(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleSync triggers one reconciliation run and reports its outcome.
// A run that aborted before doing useful work answers 500; a run that
// completed, even with per-entity errors, answers 200.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if writeCORS(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, syncResponse{
			Status:  "error",
			Message: fmt.Sprintf("method %s not allowed", r.Method),
		})
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.logger.Println("Sync triggered via HTTP")
	summary, err := s.runner.Run(r.Context())
	if err != nil {
		s.logger.Printf("Sync failed: %v", err)
		s.broadcastFailure(err)
		writeJSON(w, http.StatusInternalServerError, syncResponse{
			Status:  "error",
			Message: err.Error(),
		})
		return
	}

	s.broadcastSummary(summary)
	writeJSON(w, http.StatusOK, syncResponse{
		Status:  summary.Status(),
		Message: summary.Message(),
		Details: &syncDetails{
			Projects: summary.Projects,
			Tasks:    summary.Tasks,
			Errors:   summary.Errors,
		},
	})
}

// handleRuns returns the most recent run summaries, newest first. The
// "n" query parameter bounds the count; it defaults to 10.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if writeCORS(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": fmt.Sprintf("method %s not allowed", r.Method),
		})
		return
	}

	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("invalid n %q", raw),
			})
			return
		}
		n = parsed
	}

	runs, err := s.history.RecentRunsContext(r.Context(), n)
	if err != nil {
		s.logger.Printf("Failed to read run history: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to read run history",
		})
		return
	}
	if runs == nil {
		runs = []*schema.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if writeCORS(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if writeCORS(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>TaskMirror</title>
</head>
<body>
    <h1>TaskMirror Sync Server</h1>
    <p>Trigger a sync: <a href="/sync">/sync</a></p>
    <p>Run history: <a href="/runs">/runs</a></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>WebSocket run feed: <code>ws://%s/ws</code></p>
</body>
</html>`, r.Host)
}

// ===== WebSocket =====

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// Broadcast queues a message for all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastSummary(summary *schema.RunSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		s.logger.Printf("Failed to marshal run summary: %v", err)
		return
	}
	s.Broadcast(Message{
		Type:      MessageTypeRunComplete,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (s *Server) broadcastFailure(runErr error) {
	data, err := json.Marshal(map[string]string{"error": runErr.Error()})
	if err != nil {
		return
	}
	s.Broadcast(Message{
		Type:      MessageTypeRunFailed,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// broadcastLoop fans queued messages out to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}
