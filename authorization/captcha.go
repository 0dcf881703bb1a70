package authorization

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mojocn/base64Captcha"
)

const (
	defaultCaptchaTTL    = 3 * time.Minute
	defaultCaptchaDigits = 5
	captchaStoreSize     = 2048
)

type CaptchaChallenge struct {
	ID        string
	Image     string
	ExpiresAt time.Time
}

// CaptchaStore issues digit captchas for register and login. Answers are
// single use.
type CaptchaStore struct {
	captcha *base64Captcha.Captcha
	store   base64Captcha.Store
	ttl     time.Duration
	now     func() time.Time
}

func NewCaptchaStore(ttl time.Duration, digits int) *CaptchaStore {
	if ttl <= 0 {
		ttl = defaultCaptchaTTL
	}
	if digits <= 0 {
		digits = defaultCaptchaDigits
	}
	store := base64Captcha.NewMemoryStore(captchaStoreSize, ttl)
	driver := base64Captcha.NewDriverDigit(60, 160, digits, 0.7, 80)
	return &CaptchaStore{
		captcha: base64Captcha.NewCaptcha(driver, store),
		store:   store,
		ttl:     ttl,
		now:     time.Now,
	}
}

// NewCaptchaStoreFromEnv reads CAPTCHA_ENABLED, CAPTCHA_TTL and
// CAPTCHA_DIGITS. It returns nil when captcha is switched off.
func NewCaptchaStoreFromEnv() (*CaptchaStore, error) {
	if raw := strings.TrimSpace(os.Getenv("CAPTCHA_ENABLED")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("authorization: CAPTCHA_ENABLED is invalid: %s", raw)
		}
		if !enabled {
			return nil, nil
		}
	}

	ttl := defaultCaptchaTTL
	if raw := strings.TrimSpace(os.Getenv("CAPTCHA_TTL")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("authorization: CAPTCHA_TTL is invalid: %s", raw)
		}
		ttl = parsed
	}
	digits := defaultCaptchaDigits
	if raw := strings.TrimSpace(os.Getenv("CAPTCHA_DIGITS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 3 || parsed > 8 {
			return nil, fmt.Errorf("authorization: CAPTCHA_DIGITS must be between 3 and 8: %s", raw)
		}
		digits = parsed
	}
	return NewCaptchaStore(ttl, digits), nil
}

func (s *CaptchaStore) Issue() (CaptchaChallenge, error) {
	id, image, _, err := s.captcha.Generate()
	if err != nil {
		return CaptchaChallenge{}, fmt.Errorf("authorization: generate captcha: %w", err)
	}
	image = strings.TrimSpace(image)
	if !strings.HasPrefix(image, "data:") {
		image = "data:image/png;base64," + image
	}
	return CaptchaChallenge{ID: id, Image: image, ExpiresAt: s.now().Add(s.ttl)}, nil
}

// Verify consumes the challenge whether or not the answer matches.
func (s *CaptchaStore) Verify(id, answer string) bool {
	id = strings.TrimSpace(id)
	answer = strings.TrimSpace(answer)
	if id == "" || answer == "" {
		return false
	}
	return s.captcha.Verify(id, answer, true)
}
