package chat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"docchat_back/authorization"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatServer struct {
	*chatFixture
	router  *gin.Engine
	history *MemoryHistory
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newChatFixture(t)
	router := gin.New()
	auth, err := authorization.New(router, authorization.Config{DB: f.db, Secret: "test-secret"})
	require.NoError(t, err)

	history := NewMemoryHistory()
	_, err = RegisterRoutes(router, auth.Guard(), HandlerConfig{Engine: f.engine, History: history})
	require.NoError(t, err)
	return &chatServer{chatFixture: f, router: router, history: history}
}

func (s *chatServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *chatServer) login(t *testing.T, email string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": email, "password": "secret123"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": "secret123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decodeAsk(t *testing.T, w *httptest.ResponseRecorder) askResponse {
	t.Helper()
	var resp askResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestChatHandler_RequiresToken(t *testing.T) {
	s := newChatServer(t)
	w := s.do(t, http.MethodPost, "/chat", "", map[string]string{"question": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatHandler_AnswersWithSources(t *testing.T) {
	s := newChatServer(t)
	token := s.login(t, "Bob@X.com")
	s.addDocument(t, "alice@x.com", "doc1", "Contract.pdf", terminationClause, true)
	s.addDocument(t, "alice@x.com", "doc2", "Secret.pdf", "Termination fee schedule.", false)

	w := s.do(t, http.MethodPost, "/chat", token, map[string]string{"question": "termination?", "session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeAsk(t, w)
	assert.Equal(t, "Thirty days notice is required.", resp.Answer)
	assert.Equal(t, "Sources: doc1", resp.Sources)

	turns, err := s.history.Load(t.Context(), "bob@x.com", "s1")
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	w = s.do(t, http.MethodGet, "/chat/history?session_id=s1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "termination?")

	w = s.do(t, http.MethodDelete, "/chat/history?session_id=s1", token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	turns, err = s.history.Load(t.Context(), "bob@x.com", "s1")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestChatHandler_BadInput(t *testing.T) {
	s := newChatServer(t)
	token := s.login(t, "bob@x.com")

	w := s.do(t, http.MethodPost, "/chat", token, "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, invalidJSONAnswer, decodeAsk(t, w).Answer)

	w = s.do(t, http.MethodPost, "/chat", token, map[string]string{"question": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, emptyQuestionAnswer, decodeAsk(t, w).Answer)
	assert.Empty(t, s.model.calls)
}

func TestChatHandler_FormPost(t *testing.T) {
	s := newChatServer(t)
	token := s.login(t, "bob@x.com")

	form := url.Values{"q": {"payment?"}}
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Thirty days notice is required.", decodeAsk(t, w).Answer)
}

func TestChatHandler_DegradedReplyKeepsHistory(t *testing.T) {
	s := newChatServer(t)
	token := s.login(t, "bob@x.com")

	w := s.do(t, http.MethodPost, "/chat", token, map[string]string{"question": "payment?"})
	require.Equal(t, http.StatusOK, w.Code)
	before, err := s.history.Load(t.Context(), "bob@x.com", "")
	require.NoError(t, err)
	require.Len(t, before, 2)

	s.embedder.setFail(true)
	w = s.do(t, http.MethodPost, "/chat", token, map[string]string{"question": "delivery?"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeAsk(t, w)
	assert.Equal(t, FallbackAnswer, resp.Answer)
	assert.Equal(t, "", resp.Sources)

	after, err := s.history.Load(t.Context(), "bob@x.com", "")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestChatHandler_WebSocket(t *testing.T) {
	s := newChatServer(t)
	token := s.login(t, "alice@x.com")
	s.addDocument(t, "alice@x.com", "doc1", "Contract.pdf", terminationClause, false)

	server := httptest.NewServer(s.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/chat/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(askRequest{Question: "termination?"}))
	var resp askResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "Sources: doc1", resp.Sources)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("nope")))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, invalidJSONAnswer, resp.Answer)

	require.NoError(t, conn.WriteJSON(askRequest{Question: ""}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, emptyQuestionAnswer, resp.Answer)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))

	check := originChecker([]string{"https://app.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
