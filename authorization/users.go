package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrEmailTaken         = errors.New("authorization: email already registered")
	ErrInvalidEmail       = errors.New("authorization: email address is invalid")
	ErrWeakPassword       = errors.New("authorization: password must be at least 6 characters")
	ErrInvalidDisplayName = errors.New("authorization: display name cannot be empty")
)

// AuthenticatedUser is the minimal identity stored inside JWT claims.
type AuthenticatedUser struct {
	ID    uint
	Email string
	Roles []string
}

type AuthService struct {
	users *UserStore
}

// Authenticate validates the given credentials and returns an authenticated user.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (*AuthenticatedUser, error) {
	email = NormalizeEmail(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, jwt.ErrMissingLoginValues
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jwt.ErrFailedAuthentication
		}
		return nil, fmt.Errorf("authorization: authenticate user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, jwt.ErrFailedAuthentication
	}

	roleNames, err := s.users.FindRoleNames(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("authorization: load roles: %w", err)
	}

	now := time.Now().UTC()
	_ = s.users.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Update("last_login_at", now).Error

	return &AuthenticatedUser{ID: user.ID, Email: user.Email, Roles: roleNames}, nil
}

// Register creates a new account. The email address becomes the principal
// used for every document permission.
func (s *AuthService) Register(ctx context.Context, email, password, displayName string) (*User, error) {
	email = NormalizeEmail(email)
	password = strings.TrimSpace(password)
	displayName = strings.TrimSpace(displayName)

	if email == "" || password == "" {
		return nil, jwt.ErrMissingLoginValues
	}
	if _, err := mail.ParseAddress(email); err != nil || strings.ContainsAny(email, " <>") {
		return nil, ErrInvalidEmail
	}
	if len(password) < 6 {
		return nil, ErrWeakPassword
	}
	if displayName == "" {
		displayName = email
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("authorization: hash password: %w", err)
	}

	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("authorization: lookup user: %w", err)
	}

	user := &User{
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("authorization: create user: %w", err)
	}
	return user, nil
}

// NormalizeEmail lowercases and trims an address so one mailbox maps to one
// principal.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type UserStore struct {
	db *gorm.DB
}

func (s *UserStore) FindByID(ctx context.Context, id uint) (*User, error) {
	if s == nil {
		return nil, errors.New("authorization: user store not initialized")
	}
	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	if s == nil {
		return nil, errors.New("authorization: user store not initialized")
	}
	var user User
	if err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserStore) Create(ctx context.Context, user *User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

// FindRoleNames returns the role names assigned to userID. They are
// copied into the token at login.
func (s *UserStore) FindRoleNames(ctx context.Context, userID uint) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).
		Model(&Role{}).
		Joins("JOIN user_roles ON user_roles.role_id = roles.id").
		Where("user_roles.user_id = ?", userID).
		Order("roles.name").
		Pluck("roles.name", &names).Error; err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (s *UserStore) UpdateDisplayName(ctx context.Context, userID uint, displayName string) (*User, error) {
	if s == nil {
		return nil, errors.New("authorization: user store not initialized")
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, ErrInvalidDisplayName
	}

	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(map[string]any{
		"display_name": name,
		"updated_at":   time.Now().UTC(),
	})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return s.FindByID(ctx, userID)
}

// User is an account. Email is the principal used by the policy gate.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"size:255;not null"`
	DisplayName  string `gorm:"size:128;not null;default:''"`
	Status       string `gorm:"size:32;default:'active'"`
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Role struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:64;not null"`
	Code      string `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UserRole struct {
	ID        uint `gorm:"primaryKey"`
	UserID    uint `gorm:"uniqueIndex:idx_user_role;not null"`
	RoleID    uint `gorm:"uniqueIndex:idx_user_role;not null"`
	CreatedAt time.Time
}

func extractUserID(claims jwt.MapClaims) uint {
	if claims == nil {
		return 0
	}
	switch v := claims[identityKey].(type) {
	case float64:
		return uint(v)
	case int64:
		return uint(v)
	case uint64:
		return uint(v)
	case int:
		return uint(v)
	case uint:
		return v
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return uint(parsed)
		}
	}
	return 0
}

func extractEmail(claims jwt.MapClaims) string {
	if claims == nil {
		return ""
	}
	email, _ := claims[emailClaim].(string)
	return NormalizeEmail(email)
}

func extractRoles(claims jwt.MapClaims) []string {
	if claims == nil {
		return []string{}
	}
	switch raw := claims[rolesClaim].(type) {
	case []string:
		return append([]string{}, raw...)
	case []any:
		roles := make([]string, 0, len(raw))
		for _, role := range raw {
			if name, ok := role.(string); ok {
				roles = append(roles, name)
			}
		}
		return roles
	default:
		return []string{}
	}
}

func buildUserPayload(user *User, roles []string) gin.H {
	if user == nil {
		return gin.H{}
	}
	if roles == nil {
		roles = []string{}
	}
	return gin.H{
		"id":            user.ID,
		"email":         user.Email,
		"display_name":  user.DisplayName,
		"status":        user.Status,
		"last_login_at": user.LastLoginAt,
		"created_at":    user.CreatedAt,
		"updated_at":    user.UpdatedAt,
		"roles":         roles,
	}
}
