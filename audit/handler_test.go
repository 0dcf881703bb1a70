package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"docchat_back/authorization"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newAuditServer(t *testing.T) (*gin.Engine, *gorm.DB, *Recorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	router := gin.New()
	auth, err := authorization.New(router, authorization.Config{DB: db, Secret: "test-secret"})
	require.NoError(t, err)
	recorder := newTestRecorder(t, db, nil)
	require.NoError(t, RegisterRoutes(router, auth.Guard(), recorder))
	return router, db, recorder
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func loginAs(t *testing.T, router *gin.Engine, email string) string {
	t.Helper()
	creds := map[string]string{"email": email, "password": "secret123"}
	w := postJSON(router, "/auth/register", creds)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = postJSON(router, "/auth/login", creds)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token
}

func get(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func grantRole(t *testing.T, db *gorm.DB, email, role string) {
	t.Helper()
	var user authorization.User
	require.NoError(t, db.Where("email = ?", email).First(&user).Error)
	r := authorization.Role{Name: role, Code: role}
	require.NoError(t, db.Create(&r).Error)
	require.NoError(t, db.Create(&authorization.UserRole{UserID: user.ID, RoleID: r.ID}).Error)
}

func TestAuditHandler_OwnLog(t *testing.T) {
	router, _, recorder := newAuditServer(t)
	token := loginAs(t, router, "alice@x.com")
	require.NoError(t, recorder.Record(context.Background(), "alice@x.com", "termination?", []string{"d1"}, "query agent"))
	require.NoError(t, recorder.Record(context.Background(), "bob@x.com", "other", nil, "query agent"))

	assert.Equal(t, http.StatusUnauthorized, get(router, "/audit/logs", "").Code)

	w := get(router, "/audit/logs", token)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Logs []Entry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, "termination?", resp.Logs[0].Question)
	assert.Equal(t, "query agent", resp.Logs[0].AgentTag)
}

func TestAuditHandler_AdminView(t *testing.T) {
	router, db, recorder := newAuditServer(t)
	require.NoError(t, recorder.Record(context.Background(), "bob@x.com", "payment?", nil, "query agent"))

	userToken := loginAs(t, router, "alice@x.com")
	assert.Equal(t, http.StatusForbidden, get(router, "/audit/users/bob@x.com/logs", userToken).Code)

	loginAs(t, router, "root@x.com")
	grantRole(t, db, "root@x.com", "admin")
	// roles are read at login
	w := postJSON(router, "/auth/login", map[string]string{"email": "root@x.com", "password": "secret123"})
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	w = get(router, "/audit/users/BOB@x.com/logs", login.Token)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Principal string  `json:"principal"`
		Logs      []Entry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bob@x.com", resp.Principal)
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, "payment?", resp.Logs[0].Question)
}

func TestRegisterRoutes_RequiresRecorder(t *testing.T) {
	assert.Error(t, RegisterRoutes(gin.New(), nil, nil))
}
