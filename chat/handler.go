package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docchat_back/authorization"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	emptyQuestionAnswer = "No question provided—try again."
	invalidJSONAnswer   = "Invalid JSON."

	wsReadLimit    = 16 * 1024
	wsIdleTimeout  = 10 * time.Minute
	wsWriteTimeout = 10 * time.Second
)

type HandlerConfig struct {
	Engine         *Engine
	History        HistoryStore
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Module serves the /chat routes.
type Module struct {
	engine   *Engine
	history  HistoryStore
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

type askResponse struct {
	Answer  string `json:"answer"`
	Sources string `json:"sources"`
}

// RegisterRoutes mounts /chat behind the authentication guard.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, cfg HandlerConfig) (*Module, error) {
	if cfg.Engine == nil {
		return nil, errors.New("chat: engine is required")
	}
	if cfg.History == nil {
		cfg.History = NewMemoryHistory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Module{
		engine:  cfg.Engine,
		history: cfg.History,
		logger:  cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	group := router.Group("/chat")
	group.Use(guard.RequireAuthenticated())
	group.POST("", m.handleAsk)
	group.GET("/history", m.handleHistory)
	group.DELETE("/history", m.handleClearHistory)
	group.GET("/ws", m.handleStream)
	return m, nil
}

// originChecker allows the configured origins; with none configured the
// upgrader falls back to its same-origin check.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSuffix(strings.TrimSpace(origin), "/"); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	if _, ok := allowed["*"]; ok {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		_, ok := allowed[strings.TrimSuffix(r.Header.Get("Origin"), "/")]
		return ok
	}
}

func (m *Module) handleAsk(c *gin.Context) {
	principal := authorization.Principal(c)
	if principal == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	var req askRequest
	if strings.HasPrefix(c.ContentType(), "application/json") {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, askResponse{Answer: invalidJSONAnswer})
			return
		}
	} else {
		req.Question = c.PostForm("q")
		req.SessionID = c.PostForm("session_id")
	}

	if strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, askResponse{Answer: emptyQuestionAnswer})
		return
	}
	c.JSON(http.StatusOK, m.ask(c.Request.Context(), principal, req))
}

// ask runs one question against the session transcript and stores the
// updated transcript. Degraded replies leave the transcript untouched.
func (m *Module) ask(ctx context.Context, principal string, req askRequest) askResponse {
	history, err := m.history.Load(ctx, principal, req.SessionID)
	if err != nil {
		m.logger.Warn("load chat history failed", "principal", principal, "error", err)
		history = nil
	}

	reply := m.engine.Ask(ctx, principal, req.Question, history)
	if !reply.Degraded {
		if err := m.history.Save(ctx, principal, req.SessionID, reply.History); err != nil {
			m.logger.Warn("save chat history failed", "principal", principal, "error", err)
		}
	}
	return askResponse{Answer: reply.Answer, Sources: FormatSources(reply.Sources)}
}

func (m *Module) handleHistory(c *gin.Context) {
	principal := authorization.Principal(c)
	turns, err := m.history.Load(c.Request.Context(), principal, c.Query("session_id"))
	if err != nil {
		m.logger.Warn("load chat history failed", "principal", principal, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
		return
	}
	if turns == nil {
		turns = []Turn{}
	}
	c.JSON(http.StatusOK, gin.H{"history": turns})
}

func (m *Module) handleClearHistory(c *gin.Context) {
	principal := authorization.Principal(c)
	if err := m.history.Clear(c.Request.Context(), principal, c.Query("session_id")); err != nil {
		m.logger.Warn("clear chat history failed", "principal", principal, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleStream answers questions sent over a websocket, one at a time, in
// the order they arrive.
func (m *Module) handleStream(c *gin.Context) {
	principal := authorization.Principal(c)
	if principal == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	ctx := c.Request.Context()
	defaultSession := c.Query("session_id")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				return
			}
			m.logger.Debug("websocket read ended", "principal", principal, "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req askRequest
		var response askResponse
		if err := json.Unmarshal(data, &req); err != nil {
			response = askResponse{Answer: invalidJSONAnswer}
		} else if strings.TrimSpace(req.Question) == "" {
			response = askResponse{Answer: emptyQuestionAnswer}
		} else {
			if req.SessionID == "" {
				req.SessionID = defaultSession
			}
			response = m.ask(ctx, principal, req)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(response); err != nil {
			m.logger.Debug("websocket write failed", "principal", principal, "error", err)
			return
		}
	}
}
