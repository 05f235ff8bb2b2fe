// Package web provides the HTTP status server, live event feed and control
// API for the bike-sensor daemon.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/bike-sensor/internal/export"
	"github.com/sweeney/bike-sensor/internal/status"
)

// Actions are the operations the control API triggers.
type Actions interface {
	// Connect starts a connection attempt to the configured device.
	Connect(ctx context.Context) error
	// Disconnect ends the current attempt or connection.
	Disconnect()
	// Save exports the raw log under name and returns the entry count.
	Save(ctx context.Context, name string) (int, error)
}

// SaveResponse is the body of a successful save.
type SaveResponse struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Message string `json:"message"`
}

// Server serves the status page, JSON, metrics, websocket feed and
// control API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	actions    Actions
}

// New creates a Server. hub and actions may be nil, which leaves /ws and
// /api/ unregistered.
func New(addr string, tracker *status.Tracker, hub *Hub, actions Actions) *Server {
	s := &Server{tracker: tracker, actions: actions}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.Handle("/metrics", promhttp.Handler())
	if hub != nil {
		mux.Handle("/ws", hub)
	}
	if actions != nil {
		mux.HandleFunc("/api/connect", s.handleConnect)
		mux.HandleFunc("/api/disconnect", s.handleDisconnect)
		mux.HandleFunc("/api/save", s.handleSave)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		log.WithError(err).Warn("web: render index")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.tracker.Snapshot()))
}

func postOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	if err := s.actions.Connect(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	s.actions.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// saveStatus maps an export error to an HTTP status code.
func saveStatus(err error) int {
	switch {
	case errors.Is(err, export.ErrNothingToSave):
		return http.StatusNoContent
	case errors.Is(err, export.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrExists):
		return http.StatusConflict
	case errors.Is(err, export.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, export.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	name := r.URL.Query().Get("name")
	n, err := s.actions.Save(r.Context(), name)
	if err != nil {
		code := saveStatus(err)
		log.WithField("name", name).WithError(err).Warn("web: save")
		if code == http.StatusNoContent {
			w.WriteHeader(code)
			return
		}
		http.Error(w, export.Message(err), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SaveResponse{
		Name:    name,
		Entries: n,
		Message: export.SavedMessage(name),
	})
}
