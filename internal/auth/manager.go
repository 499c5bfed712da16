// Package auth は管理者向けエンドポイントのログインとセッション検証を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/aerocristobal/DocuFlux-sub000/internal/logging"
)

const (
	SessionCookieName    = "df_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

// ContextUserKey はログイン済みユーザー名を gin.Context に置くキーです。
const ContextUserKey = "auth.user"

// Credentials は管理者のユーザー名と bcrypt ハッシュです。
type Credentials struct {
	Username     string
	PasswordHash string
}

// Limits はセッションの寿命とログイン試行の制限です。
type Limits struct {
	SessionLifetime time.Duration
	IdleTimeout     time.Duration
	LoginBurst      int           // 連続で許可する失敗回数
	LoginWindow     time.Duration // LoginBurst 回分が回復するまでの時間
}

// DefaultLimits は 12 時間のセッション、30 分のアイドル、15 分あたり 5 回の試行です。
func DefaultLimits() Limits {
	return Limits{
		SessionLifetime: 12 * time.Hour,
		IdleTimeout:     30 * time.Minute,
		LoginBurst:      5,
		LoginWindow:     15 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Manager は認証処理と IP ごとの試行制限を保持します。
type Manager struct {
	creds  Credentials
	limits Limits
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewManager は認証マネージャーを作成します。
func NewManager(creds Credentials, limits Limits, logger *zap.Logger) *Manager {
	return &Manager{
		creds:    creds,
		limits:   limits,
		logger:   logging.OrNop(logger).Named("auth"),
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// SessionMaxAgeSeconds はクッキーの MaxAge に使う秒数です。
func (m *Manager) SessionMaxAgeSeconds() int {
	return int(m.limits.SessionLifetime.Seconds())
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login はログインハンドラーです。成功時は CSRF トークンをヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username and password are required",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	if !m.allow(ip) {
		c.Header("Retry-After", strconv.Itoa(m.retryAfterSeconds()))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "too many login attempts, try again later",
		})
		return
	}

	if req.Username != m.creds.Username || !m.verifyPassword(req.Password) {
		m.logger.Warn("login failed", zap.String("ip", ip))
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "INVALID_CREDENTIALS",
			"message": "invalid username or password",
		})
		return
	}
	m.forget(ip)

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "failed to generate CSRF token",
		})
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Set(sessionKeyUser, m.creds.Username)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "failed to save session",
		})
		return
	}

	m.logger.Info("admin logged in", zap.String("ip", ip))
	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout はセッションを破棄します。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "failed to clear session",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *Manager) ensureCredentials() error {
	if m.creds.Username == "" {
		return errors.New("APP_USERNAME is not configured")
	}
	if m.creds.PasswordHash == "" {
		return errors.New("APP_PASSWORD_HASH is not configured")
	}
	return nil
}

func (m *Manager) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.creds.PasswordHash), []byte(password)) == nil
}

// allow は IP ごとのトークンバケットから1回分を消費します。
// 成功したログインは forget でバケットを破棄するため、失敗だけが数えられます。
func (m *Manager) allow(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, v := range m.visitors {
		if now.Sub(v.lastSeen) > m.limits.LoginWindow {
			delete(m.visitors, key)
		}
	}
	v, ok := m.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(m.refillRate(), m.burst())}
		m.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (m *Manager) forget(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.visitors, ip)
}

func (m *Manager) burst() int {
	if m.limits.LoginBurst <= 0 {
		return 1
	}
	return m.limits.LoginBurst
}

func (m *Manager) refillRate() rate.Limit {
	if m.limits.LoginWindow <= 0 {
		return rate.Inf
	}
	return rate.Every(m.limits.LoginWindow / time.Duration(m.burst()))
}

func (m *Manager) retryAfterSeconds() int {
	if m.limits.LoginWindow <= 0 {
		return 1
	}
	return int(math.Ceil((m.limits.LoginWindow / time.Duration(m.burst())).Seconds()))
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
