package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ent0n29/umportal/internal/config"
	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/observability"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/session"
)

const (
	mailboxSize  = 64
	outboxSize   = 256
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
	// frameSlack covers an upload frame's header on top of its file bytes.
	frameSlack = 64 << 10
)

const (
	textBadRequest = "That request could not be read."
	textSlowDown   = "Slow down, too many actions at once."
	textTooLarge   = "That upload is too large."
)

type Server struct {
	cfg        config.Config
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	static     http.Handler
}

func New(cfg config.Config, registry *session.Registry, d *dispatch.Dispatcher, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		registry:   registry,
		dispatcher: d,
		metrics:    metrics,
		logger:     logger,
		static:     newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))
	r.Handle("/files/*", http.StripPrefix("/files/", newFilesHandler(s.cfg.UploadDir)))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/debug/ops", s.handleOpStats)
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.dispatcher.Store()
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "store", st.Mode(), "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "unavailable",
			"store_mode": st.Mode(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": st.Mode(),
	})
}

// handleWS upgrades the request and runs one connection: a reader feeding
// the mailbox, the dispatcher draining it, and a writer draining the outbox.
// An optional key query parameter identifies the connection right away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := session.NewConn(uuid.NewString(), mailboxSize, outboxSize)
	c.SetCloser(func(code int, reason string) error {
		err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		cancel()
		return err
	})
	s.registry.Add(c)
	s.metrics.SetActiveConnections(s.registry.ActiveCount())
	s.metrics.ObserveConnectionEvent("connected")
	logger := s.logger.With("conn_id", c.ID)
	logger.Info("connection opened", "remote", r.RemoteAddr)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		s.dispatcher.Serve(ctx, c)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, ws, c)
		// Unblocks the reader when the connection is shut down from elsewhere.
		_ = ws.Close()
	}()

	if key := strings.TrimSpace(r.URL.Query().Get("key")); key != "" {
		op := protocol.Operation{Task: dispatch.OpIdentify.Name, Payload: protocol.Payload{"key": key}}
		_ = c.PostWait(ctx, session.Event{Name: op.Task, Op: &op})
	}

	s.readLoop(ctx, ws, c, logger)

	cancel()
	c.Close()
	<-runDone
	<-writerDone
	s.registry.Remove(c.ID)
	s.metrics.SetActiveConnections(s.registry.ActiveCount())
	s.metrics.ObserveConnectionEvent("disconnected")
	logger.Info("connection closed", "user_id", c.UserID())
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *session.Conn, logger *slog.Logger) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.OpsPerSecond), s.cfg.OpsBurst)
	ws.SetReadLimit(s.cfg.MaxUploadBytes + frameSlack)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.Push(protocol.Banner(protocol.LevelError, textTooLarge))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.Touch()

		var ev session.Event
		switch msgType {
		case websocket.TextMessage:
			op, err := protocol.ParseClientMessage(data)
			if err != nil {
				logger.Debug("unreadable client message", "error", err)
				c.Push(protocol.Banner(protocol.LevelError, textBadRequest))
				continue
			}
			if op.IsPing() {
				continue
			}
			s.metrics.ObserveWSMessage("inbound", op.Task)
			ev = session.Event{Name: op.Task, Op: &op}
		case websocket.BinaryMessage:
			if int64(len(data)) > s.cfg.MaxUploadBytes+frameSlack {
				c.Push(protocol.Banner(protocol.LevelError, textTooLarge))
				continue
			}
			up, err := protocol.ParseUpload(data)
			if err != nil {
				logger.Debug("unreadable upload frame", "error", err)
				c.Push(protocol.Banner(protocol.LevelError, textBadRequest))
				continue
			}
			if int64(len(up.Data)) > s.cfg.MaxUploadBytes {
				c.Push(protocol.Banner(protocol.LevelError, textTooLarge))
				continue
			}
			s.metrics.ObserveWSMessage("inbound", up.Header.Task)
			ev = session.Event{Name: up.Header.Task, Upload: &up}
		default:
			continue
		}

		if !limiter.Allow() {
			s.metrics.ObserveRateLimited()
			c.Push(protocol.Banner(protocol.LevelError, textSlowDown))
			continue
		}
		if err := c.PostWait(ctx, ev); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, c *session.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.Outbox():
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(p); err != nil {
				s.metrics.ObserveConnectionEvent("write_error")
				cancel()
				return
			}
			s.metrics.ObserveWSMessage("outbound", p.Task)
		}
	}
}

func (s *Server) handleOpStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.OperationSnapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
