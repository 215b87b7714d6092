package server

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/authorization"
	obscontext "github.com/smallbiznis/workspace/internal/observability/context"
	"github.com/smallbiznis/workspace/internal/orgcontext"
	"github.com/smallbiznis/workspace/internal/ratelimit"
)

const (
	contextUserIDKey  = "user_id"
	contextOrgIDKey   = "org_id"
	contextSessionKey = "auth_session"
)

// AuthRequired resolves the session cookie and rejects the request when it
// is missing, expired or revoked. A dead cookie is cleared.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authenticate(c) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// OptionalAuth attaches the session when one is present.
func (s *Server) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.authenticate(c)
		c.Next()
	}
}

func (s *Server) authenticate(c *gin.Context) bool {
	raw, ok := s.sessions.ReadToken(c)
	if !ok {
		return false
	}

	sess, err := s.authsvc.Authenticate(c.Request.Context(), raw)
	if err != nil {
		if isDeadSession(err) {
			s.sessions.Clear(c)
		}
		return false
	}

	userID := sess.UserID.String()
	c.Set(contextSessionKey, sess)
	c.Set(contextUserIDKey, userID)
	c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeUser), userID))
	return true
}

func isDeadSession(err error) bool {
	return errors.Is(err, authdomain.ErrInvalidSession) ||
		errors.Is(err, authdomain.ErrSessionExpired) ||
		errors.Is(err, authdomain.ErrSessionRevoked)
}

// ActiveOrgRequired re-resolves the session's active organization and the
// caller's current role on every request.
func (s *Server) ActiveOrgRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sessionFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		active, err := s.orgSvc.ResolveActive(c.Request.Context(), sess)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if active == nil {
			AbortWithError(c, ErrNoActiveOrg)
			return
		}

		ctx := orgcontext.WithMembership(c.Request.Context(), active.OrgID, active.Role)
		ctx = obscontext.WithOrgID(ctx, active.OrgID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextOrgIDKey, active.OrgID.String())
		c.Next()
	}
}

func (s *Server) authorizeOrgAction(action authorization.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := s.userIDFromSession(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrNoActiveOrg)
			return
		}
		if _, err := s.authzSvc.Authorize(c.Request.Context(), orgID, userID, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// RateLimit enforces the per client IP budget of a route group.
func (s *Server) RateLimit(group string, class ratelimit.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res := s.limiter.Allow(ctx, class, group+":"+c.ClientIP())

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

		if !res.Allowed {
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			s.obsMetrics.RecordRateLimitDenied(ctx, group, string(class))
			AbortWithError(c, ErrRateLimited)
			return
		}
		s.obsMetrics.RecordRateLimitAllowed(ctx, group)
		c.Next()
	}
}

func sessionFromContext(c *gin.Context) (*authdomain.Session, bool) {
	value, ok := c.Get(contextSessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := value.(*authdomain.Session)
	return sess, ok && sess != nil
}

func (s *Server) userIDFromSession(c *gin.Context) (snowflake.ID, bool) {
	sess, ok := sessionFromContext(c)
	if !ok || sess.UserID == 0 {
		return 0, false
	}
	return sess.UserID, true
}

func (s *Server) sessionOptions(c *gin.Context, rememberMe bool) authdomain.SessionOptions {
	return authdomain.SessionOptions{
		RememberMe:         rememberMe,
		UserAgent:          c.Request.UserAgent(),
		IPAddress:          c.ClientIP(),
		TrustedDeviceToken: s.sessions.ReadTrustedDevice(c),
	}
}

func (s *Server) writeSessionCookie(c *gin.Context, result *authdomain.SessionResult) {
	if result == nil || result.RawToken == "" {
		return
	}
	s.sessions.Set(c, result.RawToken, result.ExpiresAt, result.Persistent)
}

func (s *Server) writeTrustedDevice(c *gin.Context, value string, expiresAt time.Time) {
	if value == "" {
		return
	}
	s.sessions.SetTrustedDevice(c, value, expiresAt)
}
