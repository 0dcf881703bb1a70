package authorization

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docchat_back/database"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", "file:auth_"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type authServer struct {
	router *gin.Engine
	module *Module
	db     *gorm.DB
}

func newAuthServer(t *testing.T, captcha *CaptchaStore) *authServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	router := gin.New()
	module, err := New(router, Config{DB: db, Secret: "test-secret", Captcha: captcha})
	require.NoError(t, err)

	guard := module.Guard()
	router.GET("/whoami", guard.RequireAuthenticated(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"principal": Principal(c)})
	})
	router.GET("/admin", guard.RequireAuthenticated(), guard.RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return &authServer{router: router, module: module, db: db}
}

func (s *authServer) request(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, _ := json.Marshal(body)
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

func (s *authServer) token(t *testing.T, email, password string) string {
	t.Helper()
	w := s.request(http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string         `json:"token"`
		User  map[string]any `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestRegisterAndLogin(t *testing.T) {
	s := newAuthServer(t, nil)

	w := s.request(http.MethodPost, "/auth/register", "", map[string]string{
		"email":        "  Alice@Example.COM ",
		"password":     "secret123",
		"display_name": "Alice",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "alice@example.com")

	w = s.request(http.MethodPost, "/auth/register", "", map[string]string{"email": "alice@example.com", "password": "secret123"})
	assert.Equal(t, http.StatusConflict, w.Code)

	token := s.token(t, "ALICE@example.com", "secret123")
	w = s.request(http.MethodGet, "/whoami", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"principal":"alice@example.com"}`, w.Body.String())

	w = s.request(http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@example.com", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegister_Validation(t *testing.T) {
	s := newAuthServer(t, nil)

	tests := []struct {
		name string
		body map[string]string
	}{
		{name: "missing email", body: map[string]string{"password": "secret123"}},
		{name: "short password", body: map[string]string{"email": "a@example.com", "password": "123"}},
		{name: "invalid email", body: map[string]string{"email": "not-an-email", "password": "secret123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.request(http.MethodPost, "/auth/register", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestProfile(t *testing.T) {
	s := newAuthServer(t, nil)
	w := s.request(http.MethodPost, "/auth/register", "", map[string]string{"email": "bob@example.com", "password": "secret123"})
	require.Equal(t, http.StatusCreated, w.Code)
	token := s.token(t, "bob@example.com", "secret123")

	assert.Equal(t, http.StatusUnauthorized, s.request(http.MethodGet, "/auth/profile", "", nil).Code)

	w = s.request(http.MethodGet, "/auth/profile", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bob@example.com")

	w = s.request(http.MethodPut, "/auth/profile", token, map[string]string{"display_name": "Bobby"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Bobby")

	w = s.request(http.MethodPut, "/auth/profile", token, map[string]string{"display_name": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.request(http.MethodPut, "/auth/profile", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequireRole(t *testing.T) {
	s := newAuthServer(t, nil)
	w := s.request(http.MethodPost, "/auth/register", "", map[string]string{"email": "root@example.com", "password": "secret123"})
	require.Equal(t, http.StatusCreated, w.Code)

	token := s.token(t, "root@example.com", "secret123")
	assert.Equal(t, http.StatusForbidden, s.request(http.MethodGet, "/admin", token, nil).Code)

	user, err := s.module.userStore.FindByEmail(context.Background(), "root@example.com")
	require.NoError(t, err)
	role := Role{Name: "admin", Code: "admin"}
	require.NoError(t, s.db.Create(&role).Error)
	require.NoError(t, s.db.Create(&UserRole{UserID: user.ID, RoleID: role.ID}).Error)

	token = s.token(t, "root@example.com", "secret123")
	assert.Equal(t, http.StatusOK, s.request(http.MethodGet, "/admin", token, nil).Code)
}

func TestCaptchaRequiredWhenEnabled(t *testing.T) {
	s := newAuthServer(t, NewCaptchaStore(time.Minute, 4))

	w := s.request(http.MethodGet, "/auth/captcha", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var challenge struct {
		ID    string `json:"captcha_id"`
		Image string `json:"image"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	assert.NotEmpty(t, challenge.ID)
	assert.True(t, strings.HasPrefix(challenge.Image, "data:"))

	w = s.request(http.MethodPost, "/auth/register", "", map[string]string{
		"email":          "carol@example.com",
		"password":       "secret123",
		"captcha_id":     challenge.ID,
		"captcha_answer": "wrong",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid captcha")
}

func TestCaptchaDisabled(t *testing.T) {
	s := newAuthServer(t, nil)
	assert.Equal(t, http.StatusNotFound, s.request(http.MethodGet, "/auth/captcha", "", nil).Code)
}

func TestNew_RequiresSecretAndDB(t *testing.T) {
	_, err := New(gin.New(), Config{DB: newTestDB(t)})
	assert.Error(t, err)
	_, err = New(gin.New(), Config{Secret: "x"})
	assert.Error(t, err)
}

func TestPrincipal_NoClaims(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, "", Principal(c))
	assert.Equal(t, "", Principal(nil))
}

func TestCaptchaStore_AnswerIsSingleUse(t *testing.T) {
	captcha := NewCaptchaStore(time.Minute, 4)
	challenge, err := captcha.Issue()
	require.NoError(t, err)
	assert.True(t, challenge.ExpiresAt.After(time.Now()))

	answer := captcha.store.Get(challenge.ID, false)
	require.Len(t, answer, 4)
	assert.False(t, captcha.Verify(challenge.ID, ""))
	assert.True(t, captcha.Verify(challenge.ID, " "+answer+" "))
	assert.False(t, captcha.Verify(challenge.ID, answer))
}

func TestNewCaptchaStoreFromEnv(t *testing.T) {
	t.Setenv("CAPTCHA_ENABLED", "false")
	captcha, err := NewCaptchaStoreFromEnv()
	require.NoError(t, err)
	assert.Nil(t, captcha)

	t.Setenv("CAPTCHA_ENABLED", "")
	t.Setenv("CAPTCHA_TTL", "30s")
	t.Setenv("CAPTCHA_DIGITS", "6")
	captcha, err = NewCaptchaStoreFromEnv()
	require.NoError(t, err)
	require.NotNil(t, captcha)
	assert.Equal(t, 30*time.Second, captcha.ttl)

	t.Setenv("CAPTCHA_DIGITS", "12")
	_, err = NewCaptchaStoreFromEnv()
	assert.Error(t, err)

	t.Setenv("CAPTCHA_DIGITS", "")
	t.Setenv("CAPTCHA_TTL", "soon")
	_, err = NewCaptchaStoreFromEnv()
	assert.Error(t, err)
}
