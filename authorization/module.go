package authorization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	identityKey    = "user_id"
	emailClaim     = "email"
	rolesClaim     = "roles"
	defaultTimeout = time.Hour
)

// Config carries the dependencies for the /auth routes. A nil Captcha
// disables captcha verification.
type Config struct {
	DB      *gorm.DB
	Secret  string
	Captcha *CaptchaStore
	Logger  *slog.Logger
}

// Module wires together the JWT middleware and backing services.
type Module struct {
	userStore     *UserStore
	jwtMiddleware *jwt.GinJWTMiddleware
	captcha       *CaptchaStore
	logger        *slog.Logger
}

// RegisterRoutes bootstraps the authentication endpoints under /auth using
// JWT_SECRET from the environment.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, logger *slog.Logger) (*Module, error) {
	captcha, err := NewCaptchaStoreFromEnv()
	if err != nil {
		return nil, err
	}
	return New(router, Config{
		DB:      db,
		Secret:  os.Getenv("JWT_SECRET"),
		Captcha: captcha,
		Logger:  logger,
	})
}

// New registers the /auth group on router.
func New(router *gin.Engine, cfg Config) (*Module, error) {
	if cfg.DB == nil {
		return nil, errors.New("authorization: database connection is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.DB.AutoMigrate(&User{}, &Role{}, &UserRole{}); err != nil {
		return nil, fmt.Errorf("authorization: migrate models: %w", err)
	}

	userStore := &UserStore{db: cfg.DB}
	authService := &AuthService{users: userStore}

	middleware, err := buildJWTMiddleware(cfg.Secret, authService)
	if err != nil {
		return nil, err
	}

	m := &Module{userStore: userStore, jwtMiddleware: middleware, captcha: cfg.Captcha, logger: cfg.Logger}

	authGroup := router.Group("/auth")
	authGroup.GET("/captcha", m.handleCaptcha)
	authGroup.POST("/register", func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
		if !m.captchaOK(req.CaptchaID, req.CaptchaAnswer) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid captcha"})
			return
		}

		ctx := c.Request.Context()
		user, err := authService.Register(ctx, req.Email, req.Password, req.DisplayName)
		if err != nil {
			switch {
			case errors.Is(err, jwt.ErrMissingLoginValues):
				c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
			case errors.Is(err, ErrInvalidEmail):
				c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidEmail.Error()})
			case errors.Is(err, ErrWeakPassword):
				c.JSON(http.StatusBadRequest, gin.H{"error": ErrWeakPassword.Error()})
			case errors.Is(err, ErrEmailTaken):
				c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			default:
				m.logger.Error("register user failed", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register"})
			}
			return
		}

		roles, err := userStore.FindRoleNames(ctx, user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user roles"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"user": buildUserPayload(user, roles)})
	})

	authGroup.POST("/login", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}

		var req LoginRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
		if !m.captchaOK(req.CaptchaID, req.CaptchaAnswer) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid captcha"})
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		middleware.LoginHandler(c)
	})
	authGroup.POST("/refresh", middleware.RefreshHandler)

	secured := authGroup.Group("")
	secured.Use(middleware.MiddlewareFunc())
	secured.GET("/profile", func(c *gin.Context) {
		userID := extractUserID(jwt.ExtractClaims(c))
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := c.Request.Context()
		user, err := userStore.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
			return
		}

		roles, err := userStore.FindRoleNames(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": buildUserPayload(user, roles)})
	})

	secured.PUT("/profile", func(c *gin.Context) {
		var req UpdateProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
		if req.DisplayName == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
			return
		}

		userID := extractUserID(jwt.ExtractClaims(c))
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := c.Request.Context()
		updated, err := userStore.UpdateDisplayName(ctx, userID, *req.DisplayName)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidDisplayName):
				c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidDisplayName.Error()})
			case errors.Is(err, gorm.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
			}
			return
		}

		roles, err := userStore.FindRoleNames(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": buildUserPayload(updated, roles)})
	})

	return m, nil
}

func (m *Module) handleCaptcha(c *gin.Context) {
	if m.captcha == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "captcha disabled"})
		return
	}
	challenge, err := m.captcha.Issue()
	if err != nil {
		m.logger.Error("issue captcha failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue captcha"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"captcha_id": challenge.ID,
		"image":      challenge.Image,
		"expires_at": challenge.ExpiresAt.UTC(),
	})
}

func (m *Module) captchaOK(id, answer string) bool {
	if m.captcha == nil {
		return true
	}
	return m.captcha.Verify(id, answer)
}

func buildJWTMiddleware(secret string, service *AuthService) (*jwt.GinJWTMiddleware, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "docchat",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if user, ok := data.(*AuthenticatedUser); ok {
				return jwt.MapClaims{
					identityKey: user.ID,
					emailClaim:  user.Email,
					rolesClaim:  user.Roles,
				}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			return &AuthenticatedUser{
				ID:    extractUserID(claims),
				Email: extractEmail(claims),
				Roles: extractRoles(claims),
			}
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			var req LoginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}

			user, err := service.Authenticate(c.Request.Context(), req.Email, req.Password)
			if err != nil {
				return nil, err
			}
			c.Set("authenticated_user", user)
			return user, nil
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			user, ok := data.(*AuthenticatedUser)
			return ok && user.Email != ""
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		LoginResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{"token": token, "expire": expire}
			if value, ok := c.Get("authenticated_user"); ok {
				if authUser, ok := value.(*AuthenticatedUser); ok && authUser != nil {
					if user, err := service.users.FindByID(c.Request.Context(), authUser.ID); err == nil {
						response["user"] = buildUserPayload(user, authUser.Roles)
					}
				}
			}
			c.JSON(code, response)
		},
		RefreshResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{"token": token, "expire": expire}
			claims := jwt.ExtractClaims(c)
			if userID := extractUserID(claims); userID != 0 {
				if user, err := service.users.FindByID(c.Request.Context(), userID); err == nil {
					response["user"] = buildUserPayload(user, extractRoles(claims))
				}
			}
			c.JSON(code, response)
		},
		TokenLookup:   "header: Authorization, query: token, cookie: jwt",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

// LoginRequest represents the expected payload for the login endpoint.
type LoginRequest struct {
	Email         string `json:"email" binding:"required"`
	Password      string `json:"password" binding:"required"`
	CaptchaID     string `json:"captcha_id"`
	CaptchaAnswer string `json:"captcha_answer"`
}

// RegisterRequest captures the payload for user registration.
type RegisterRequest struct {
	Email         string `json:"email" binding:"required"`
	Password      string `json:"password" binding:"required,min=6"`
	DisplayName   string `json:"display_name"`
	CaptchaID     string `json:"captcha_id"`
	CaptchaAnswer string `json:"captcha_answer"`
}

type UpdateProfileRequest struct {
	DisplayName *string `json:"display_name"`
}
