// Package eventbridge exposes the annotation event stream and storage status
// to out-of-process observers such as the viewer's status bar.
package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/persistence"
)

// Source is the part of the annotation façade the bridge reads from.
type Source interface {
	Subscribe(fn func(persistence.Event)) (cancel func())
	GetStorageStatistics() persistence.Statistics
	ForceSave(ctx context.Context) error
}

type Config struct {
	// BufferSize bounds events queued per observer; a slower observer loses
	// events rather than stalling the engine.
	BufferSize     int
	WriteTimeout   time.Duration
	FlushTimeout   time.Duration
	OriginPatterns []string
	Logger         zerolog.Logger
	Now            func() time.Time
}

type Server struct {
	src Source
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	clients int
	dropped int
}

func NewServer(src Source, cfg Config) *Server {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{src: src, cfg: cfg, log: cfg.Logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	case r.URL.Path == "/stats" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.src.GetStorageStatistics())
	case r.URL.Path == "/flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r, correlationID)
	case r.URL.Path == "/events" || r.URL.Path == "/stats" || r.URL.Path == "/flush" || r.URL.Path == "/health":
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// Clients reports the number of connected event observers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

func (s *Server) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.src.ForceSave(ctx); err != nil {
		status := http.StatusBadGateway
		code := "save_failed"
		if errors.Is(err, persistence.ErrClosed) {
			status = http.StatusServiceUnavailable
			code = "closed"
		}
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.src.GetStorageStatistics())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	queue := make(chan Message, s.cfg.BufferSize)
	// Subscribe before the upgrade completes so the observer sees every event
	// emitted after its handshake returns.
	unsubscribe := s.src.Subscribe(func(ev persistence.Event) {
		select {
		case queue <- Encode(ev, s.cfg.Now()):
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	})
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.log.Debug().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer conn.CloseNow()

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
	}()

	observer := uuid.NewString()
	s.log.Debug().Str("observer", observer).Msg("event observer connected")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Str("observer", observer).Msg("event observer gone")
			return
		case msg := <-queue:
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Str("observer", observer).Msg("event write failed")
				return
			}
		}
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
