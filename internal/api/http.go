// Package api serves the card manager over HTTP and WebSocket on localhost.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/reader"
	"github.com/SimplyPrint/tangem-agent/internal/sdk"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/settings"
	"github.com/SimplyPrint/tangem-agent/internal/updater"
)

// TerminalKeys is the terminal key store exposed under /v1/terminal.
type TerminalKeys interface {
	GetKeys() *cardcrypto.KeyPair
	Reset() (*cardcrypto.KeyPair, error)
}

// Options wire a Server to the rest of the agent.
type Options struct {
	Manager *sdk.Manager
	Hub     *Hub
	// Readers lists the devices of the configured backend.
	Readers  func() ([]reader.Info, error)
	Keys     TerminalKeys
	Backend  string
	Shutdown func()
	// Updates answers /v1/update. Nil disables update checks.
	Updates *updater.Checker
}

type Server struct {
	manager  *sdk.Manager
	hub      *Hub
	readers  func() ([]reader.Info, error)
	keys     TerminalKeys
	backend  string
	shutdown func()
	updates  *updater.Checker
}

func NewServer(opts Options) *Server {
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		manager:  opts.Manager,
		hub:      hub,
		readers:  opts.Readers,
		keys:     opts.Keys,
		backend:  opts.Backend,
		shutdown: opts.Shutdown,
		updates:  opts.Updates,
	}
}

// Hub returns the WebSocket hub. Run it before serving.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the routed, logged and CORS-enabled HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/readers", s.handleReaders).Methods(http.MethodGet)
	v1.HandleFunc("/cards/{op}", s.handleOperation).Methods(http.MethodPost)
	v1.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/terminal", s.handleTerminal).Methods(http.MethodGet)
	v1.HandleFunc("/terminal/reset", s.handleTerminalReset).Methods(http.MethodPost)
	v1.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet, http.MethodDelete)
	v1.HandleFunc("/crashes", s.handleCrashes).Methods(http.MethodGet)
	v1.HandleFunc("/settings", s.handleSettings).Methods(http.MethodGet, http.MethodPost)
	v1.HandleFunc("/update", s.handleUpdate).Methods(http.MethodGet)
	v1.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	v1.HandleFunc("/ws", s.handleWebSocket)

	var h http.Handler = r
	h = handlers.LoggingHandler(logWriter{}, h)
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	return h
}

// logWriter feeds access log lines into the debug log.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logging.Debug(logging.CatHTTP, string(bytes.TrimSpace(p)), nil)
	return len(p), nil
}

// recoveryMiddleware turns a handler panic into a 500 naming the crash log.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer logging.RecoverAndLogFunc(fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path), false, func(_ interface{}, crashFile string) {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error":     "internal server error",
				"crashFile": crashFile,
			})
		})
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]any{"error": errorBody(err)})
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	var re *requestError
	if errors.As(err, &re) {
		return http.StatusBadRequest
	}
	code := sdkerr.CodeOf(err)
	switch {
	case code == sdkerr.CodeBusy:
		return http.StatusConflict
	case code == sdkerr.CodeUserCancelled, code == sdkerr.CodeTagLost:
		return http.StatusRequestTimeout
	case code == sdkerr.CodeReaderError, code == sdkerr.CodeExtendedLengthNotSupported:
		return http.StatusServiceUnavailable
	case code == sdkerr.CodeSerialization:
		return http.StatusBadRequest
	case sdkerr.IsStatus(err), sdkerr.IsCardIdentity(err), sdkerr.IsVerification(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func versionInfo() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, versionInfo())
}

func (s *Server) health() map[string]any {
	return map[string]any{
		"status":  "ok",
		"version": Version,
		"backend": s.backend,
		"busy":    s.manager.Busy(),
		"clients": s.hub.Clients(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.health())
}

func (s *Server) listReaders() ([]reader.Info, error) {
	if s.readers == nil {
		return []reader.Info{}, nil
	}
	readers, err := s.readers()
	if err != nil {
		return nil, sdkerr.Reader("ListReaders", err)
	}
	if readers == nil {
		readers = []reader.Info{}
	}
	return readers, nil
}

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	readers, err := s.listReaders()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, readers)
}

// handleOperation runs a card operation and answers when it completes.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	name := strings.ReplaceAll(mux.Vars(r)["op"], "-", "_")
	op, ok := operations[name]
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": errorBody(badRequest("unknown operation " + name))})
		return
	}

	var payload json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, badRequest("invalid request body: "+err.Error()))
			return
		}
	}

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	if err := op(r.Context(), s, payload, func(v any, err error) { done <- outcome{v, err} }); err != nil {
		respondError(w, err)
		return
	}
	res := <-done
	if res.err != nil {
		respondError(w, res.err)
		return
	}
	respondJSON(w, http.StatusOK, res.v)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": s.manager.Cancel()})
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"linked": s.manager.Config().LinkedTerminal}
	if s.keys != nil {
		if keys := s.keys.GetKeys(); keys != nil {
			resp["publicKey"] = fmt.Sprintf("%X", keys.PublicKey)
			resp["curve"] = keys.Curve
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTerminalReset(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": errorBody(badRequest("no terminal key store"))})
		return
	}
	if s.manager.Busy() {
		respondError(w, sdkerr.Busy("ResetTerminalKeys"))
		return
	}
	keys, err := s.keys.Reset()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": errorBody(err)})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"publicKey": fmt.Sprintf("%X", keys.PublicKey),
		"curve":     keys.Curve,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{"success": "logs cleared"})
		return
	}

	query := r.URL.Query()
	limit := boundedInt(query.Get("limit"), 100, 1000)

	var minLevel *logging.Level
	if levelStr := query.Get("level"); levelStr != "" {
		level, err := logging.ParseLevel(levelStr)
		if err != nil {
			respondError(w, badRequest(err.Error()))
			return
		}
		minLevel = &level
	}
	var category *logging.Category
	if catStr := query.Get("category"); catStr != "" {
		c := logging.Category(catStr)
		category = &c
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"entries": logging.Get().GetEntries(limit, minLevel, category),
		"stats":   logging.Get().Stats(),
	})
}

func (s *Server) handleCrashes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"filename": filename,
			"content":  content,
		})
		return
	}

	logs, err := logging.GetCrashLogs(boundedInt(query.Get("limit"), 20, 100))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			CrashReporting *bool `json:"crashReporting"`
			LinkedTerminal *bool `json:"linkedTerminal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, badRequest("invalid request body: "+err.Error()))
			return
		}
		_, err := settings.Update(func(st *settings.Settings) {
			if req.CrashReporting != nil {
				st.CrashReporting = *req.CrashReporting
			}
			if req.LinkedTerminal != nil {
				st.LinkedTerminal = *req.LinkedTerminal
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}
		if req.LinkedTerminal != nil {
			s.manager.SetLinkedTerminal(*req.LinkedTerminal)
		}
	}
	respondJSON(w, http.StatusOK, settings.Get())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.updates == nil {
		respondJSON(w, http.StatusNotImplemented, map[string]string{"error": "update checks disabled"})
		return
	}
	force := r.URL.Query().Get("force") == "1"
	respondJSON(w, http.StatusOK, s.updates.Check(r.Context(), force))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		respondJSON(w, http.StatusNotImplemented, map[string]string{"error": "shutdown not available"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "shutting down"})
	go s.shutdown()
}

func boundedInt(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}
