package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
)

const (
	DefaultCookieName       = "_sid"
	TrustedDeviceCookieName = "_tdid"
)

// Manager manages auth session cookies.
type Manager struct {
	cookieName string
	secure     bool
	clock      clock.Clock
}

func NewManager(cfg config.Config, clk clock.Clock) *Manager {
	return &Manager{
		cookieName: DefaultCookieName,
		secure:     cfg.AuthCookieSecure,
		clock:      clk,
	}
}

func (m *Manager) CookieName() string {
	return m.cookieName
}

func (m *Manager) ReadToken(c *gin.Context) (string, bool) {
	return readCookie(c, m.cookieName)
}

// Set writes the session cookie. A non-persistent session gets a browser
// session cookie with no Max-Age.
func (m *Manager) Set(c *gin.Context, value string, expiresAt time.Time, persistent bool) {
	maxAge := 0
	if persistent {
		maxAge = m.maxAge(expiresAt)
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookieName, value, maxAge, "/", "", m.secure, true)
}

func (m *Manager) Clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookieName, "", -1, "/", "", m.secure, true)
}

func (m *Manager) ReadTrustedDevice(c *gin.Context) string {
	value, _ := readCookie(c, TrustedDeviceCookieName)
	return value
}

func (m *Manager) SetTrustedDevice(c *gin.Context, value string, expiresAt time.Time) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(TrustedDeviceCookieName, value, m.maxAge(expiresAt), "/api/auth", "", m.secure, true)
}

func (m *Manager) maxAge(expiresAt time.Time) int {
	maxAge := int(expiresAt.Sub(m.clock.Now()).Seconds())
	if maxAge <= 0 {
		// zero would turn the cookie into a session cookie
		return -1
	}
	return maxAge
}

func readCookie(c *gin.Context, name string) (string, bool) {
	value, err := c.Cookie(name)
	if err != nil {
		return "", false
	}
	if strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}
