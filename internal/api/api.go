// Package api implements the antradiod REST and WebSocket control surface.
//
// Routes:
//
//	GET  /api/v1/status        radio state, link counters, subscriber count
//	POST /api/v1/enable        enable the radio
//	POST /api/v1/disable       disable the radio
//	POST /api/v1/messages      send one ANT message on a channel
//	GET  /api/v1/transitions   journaled lifecycle transitions (paginated)
//	GET  /api/v1/events        WebSocket live stream
package api

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/flow"
	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
	"github.com/ant-wireless/Linux-ant-hal/internal/gateway"
	"github.com/ant-wireless/Linux-ant-hal/internal/mux"
	"github.com/ant-wireless/Linux-ant-hal/internal/radio"
	"github.com/ant-wireless/Linux-ant-hal/internal/store"
)

// Radio is the subset of *radio.Radio the API drives.
type Radio interface {
	Enable() error
	Disable() error
	Status() radio.State
	Send(ch mux.ChannelID, payload []byte) error
	Stats() mux.LinkStats
}

// Journal is the subset of *store.DB the API reads.
type Journal interface {
	Transitions(limit int) ([]store.Transition, error)
}

// Bus is the subset of *gateway.EventBus the API needs.
type Bus interface {
	Subscribe() (<-chan gateway.Event, func())
	Len() int
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	radio   Radio
	journal Journal // nil when the journal is disabled
	bus     Bus
	log     *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
// journal may be nil.
func NewRouter(r Radio, journal Journal, bus Bus, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{radio: r, journal: journal, bus: bus, log: log}

	router := http.NewServeMux()

	// Lifecycle
	router.HandleFunc("GET /api/v1/status", s.status)
	router.HandleFunc("POST /api/v1/enable", s.enable)
	router.HandleFunc("POST /api/v1/disable", s.disable)

	// Messages
	router.HandleFunc("POST /api/v1/messages", s.sendMessage)

	// Journal
	router.HandleFunc("GET /api/v1/transitions", s.listTransitions)

	// WebSocket event stream
	router.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, router)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":       s.radio.Status().String(),
		"time":        time.Now().UTC().Format(time.RFC3339),
		"stats":       s.radio.Stats(),
		"subscribers": s.bus.Len(),
	})
}

func (s *Server) enable(w http.ResponseWriter, r *http.Request) {
	if err := s.radio.Enable(); err != nil {
		s.log.Warn("api: enable", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": s.radio.Status().String()})
}

func (s *Server) disable(w http.ResponseWriter, r *http.Request) {
	if err := s.radio.Disable(); err != nil {
		// The radio is disabled even when closing the transport failed.
		s.log.Warn("api: disable", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": s.radio.Status().String()})
}

// ── Messages ──────────────────────────────────────────────────────────────

type sendMessageRequest struct {
	Channel string `json:"channel"` // "command" | "data"
	Payload string `json:"payload"` // hex encoded ANT message
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ch, ok := parseChannel(req.Channel)
	if !ok {
		writeError(w, http.StatusBadRequest, `channel must be "command" or "data"`)
		return
	}
	payload, err := hex.DecodeString(strings.TrimSpace(req.Payload))
	if err != nil || len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload must be non-empty hex")
		return
	}

	switch err := s.radio.Send(ch, payload); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"channel": ch.String(),
			"bytes":   len(payload),
		})
	case errors.Is(err, radio.ErrNotOpen), errors.Is(err, radio.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, frame.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, flow.ErrUnresponsive):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.log.Error("api: send message", zap.Stringer("channel", ch), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func parseChannel(name string) (mux.ChannelID, bool) {
	for _, ch := range []mux.ChannelID{mux.Command, mux.Data} {
		if strings.EqualFold(name, ch.String()) {
			return ch, true
		}
	}
	return 0, false
}

// ── Journal ───────────────────────────────────────────────────────────────

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ts, err := s.journal.Transitions(limit)
	if err != nil {
		s.log.Error("api: list transitions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transitions": ts,
		"count":       len(ts),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	// Drain client frames so close and pong control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack is required by the WebSocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
