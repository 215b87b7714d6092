package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
)

type signUpRequest struct {
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	Image       *string `json:"image"`
	CallbackURL string  `json:"callbackURL"`
	RememberMe  *bool   `json:"rememberMe"`
}

type signInRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	RememberMe  *bool  `json:"rememberMe"`
	CallbackURL string `json:"callbackURL"`
}

type sessionResponse struct {
	User    *authdomain.User       `json:"user"`
	Session authdomain.SessionView `json:"session"`
}

type signInResponse struct {
	Redirect           bool                    `json:"redirect"`
	URL                string                  `json:"url,omitempty"`
	User               *authdomain.User        `json:"user,omitempty"`
	Session            *authdomain.SessionView `json:"session,omitempty"`
	TwoFactorRedirect  bool                    `json:"twoFactorRedirect,omitempty"`
	ChallengeToken     string                  `json:"challengeToken,omitempty"`
	ChallengeExpiresAt *time.Time              `json:"challengeExpiresAt,omitempty"`
}

type statusResponse struct {
	Status bool `json:"status"`
}

// rememberMe defaults to true when the client omits it.
func rememberMe(v *bool) bool {
	return v == nil || *v
}

func (s *Server) SignUp(c *gin.Context) {
	var req signUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.authsvc.SignUp(c.Request.Context(), authdomain.SignUpRequest{
		Name:        req.Name,
		Email:       req.Email,
		Password:    req.Password,
		Image:       req.Image,
		CallbackURL: req.CallbackURL,
		Session:     s.sessionOptions(c, rememberMe(req.RememberMe)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := signInResponse{User: res.User}
	if res.Session != nil {
		s.writeSessionCookie(c, res.Session)
		view := newSessionView(res.Session)
		resp.Session = &view
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) SignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	callbackURL := ""
	if strings.TrimSpace(req.CallbackURL) != "" {
		resolved, err := s.redirects.Resolve(req.CallbackURL, "")
		if err != nil {
			AbortWithError(c, err)
			return
		}
		callbackURL = resolved
	}

	opts := s.sessionOptions(c, rememberMe(req.RememberMe))
	res, err := s.authsvc.SignInWithCredentials(c.Request.Context(), authdomain.CredentialsSignInRequest{
		Email:              req.Email,
		Password:           req.Password,
		RememberMe:         opts.RememberMe,
		UserAgent:          opts.UserAgent,
		IPAddress:          opts.IPAddress,
		TrustedDeviceToken: opts.TrustedDeviceToken,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if res.RedirectURL == "" {
		res.RedirectURL = callbackURL
	}

	c.JSON(http.StatusOK, s.signInResponse(c, res))
}

// signInResponse writes the session cookie when the result carries a
// session and shapes the body for both the session and challenge outcomes.
func (s *Server) signInResponse(c *gin.Context, res *authdomain.SignInResult) signInResponse {
	if res.TwoFactorRequired {
		expiresAt := res.ChallengeExpiresAt
		return signInResponse{
			TwoFactorRedirect:  true,
			ChallengeToken:     res.ChallengeToken,
			ChallengeExpiresAt: &expiresAt,
		}
	}

	s.writeSessionCookie(c, res.Session)
	view := newSessionView(res.Session)
	return signInResponse{
		Redirect: res.RedirectURL != "",
		URL:      res.RedirectURL,
		User:     res.Session.User,
		Session:  &view,
	}
}

func newSessionView(res *authdomain.SessionResult) authdomain.SessionView {
	return authdomain.NewSessionView(res.Session, res.Session.ID)
}

// SignOut is idempotent: an unknown or already revoked cookie still succeeds.
func (s *Server) SignOut(c *gin.Context) {
	if raw, ok := s.sessions.ReadToken(c); ok {
		if err := s.authsvc.SignOut(c.Request.Context(), raw); err != nil {
			AbortWithError(c, err)
			return
		}
	}
	s.sessions.Clear(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) GetSession(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusOK, nil)
		return
	}

	user, err := s.authsvc.GetUser(c.Request.Context(), sess.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		User:    user,
		Session: authdomain.NewSessionView(sess, sess.ID),
	})
}

func (s *Server) ForgetPassword(c *gin.Context) {
	var req struct {
		Email      string `json:"email"`
		RedirectTo string `json:"redirectTo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.authsvc.RequestPasswordReset(c.Request.Context(), req.Email, req.RedirectTo); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

func (s *Server) ResetPassword(c *gin.Context) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Token == "" {
		req.Token = c.Query("token")
	}

	if err := s.authsvc.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

func (s *Server) SendVerificationEmail(c *gin.Context) {
	var req struct {
		Email       string `json:"email"`
		CallbackURL string `json:"callbackURL"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.authsvc.SendVerificationEmail(c.Request.Context(), req.Email, req.CallbackURL); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

func (s *Server) VerifyEmail(c *gin.Context) {
	callbackURL, err := s.optionalRedirect(c.Query("callbackURL"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	user, err := s.authsvc.VerifyEmail(c.Request.Context(), c.Query("token"))
	if err != nil {
		if callbackURL != "" {
			c.Redirect(http.StatusFound, withErrorParam(callbackURL, err))
			return
		}
		AbortWithError(c, err)
		return
	}

	if callbackURL != "" {
		c.Redirect(http.StatusFound, callbackURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "user": user})
}

func (s *Server) SendMagicLink(c *gin.Context) {
	var req struct {
		Email       string `json:"email"`
		CallbackURL string `json:"callbackURL"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.authsvc.SendMagicLink(c.Request.Context(), req.Email, req.CallbackURL); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

func (s *Server) VerifyMagicLink(c *gin.Context) {
	res, err := s.authsvc.SignInWithMagicLink(c.Request.Context(), c.Query("token"), s.sessionOptions(c, true))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	body := s.signInResponse(c, res)
	if !res.TwoFactorRequired && res.RedirectURL != "" {
		c.Redirect(http.StatusFound, res.RedirectURL)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) SendSignInOtp(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.authsvc.SendSignInOtp(c.Request.Context(), req.Email); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) SignInWithEmailOtp(c *gin.Context) {
	var req struct {
		Email      string `json:"email"`
		OTP        string `json:"otp"`
		RememberMe *bool  `json:"rememberMe"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.authsvc.SignInWithEmailOtp(c.Request.Context(), req.Email, req.OTP, s.sessionOptions(c, rememberMe(req.RememberMe)))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.signInResponse(c, res))
}

func (s *Server) ListSessions(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	views, err := s.authsvc.ListSessions(c.Request.Context(), sess)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// RevokeSession clears the cookie when the caller revokes the session it is
// authenticated with.
func (s *Server) RevokeSession(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	sessionID, err := parseID("id", req.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	res, err := s.authsvc.RevokeSession(c.Request.Context(), sess, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if res.SignedOut {
		s.sessions.Clear(c)
	}
	c.JSON(http.StatusOK, gin.H{"status": res.Revoked, "signedOut": res.SignedOut})
}

func (s *Server) RevokeOtherSessions(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	revoked, err := s.authsvc.RevokeOtherSessions(c.Request.Context(), sess)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "revoked": revoked})
}

func (s *Server) RevokeSessions(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	res, err := s.authsvc.RevokeAllSessions(c.Request.Context(), sess)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if res.SignedOut {
		s.sessions.Clear(c)
	}
	c.JSON(http.StatusOK, gin.H{"status": res.Revoked, "signedOut": res.SignedOut})
}

func (s *Server) ChangePassword(c *gin.Context) {
	var req struct {
		CurrentPassword     string `json:"currentPassword"`
		NewPassword         string `json:"newPassword"`
		RevokeOtherSessions bool   `json:"revokeOtherSessions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	if err := s.authsvc.ChangePassword(c.Request.Context(), sess, authdomain.ChangePasswordRequest{
		CurrentPassword:     req.CurrentPassword,
		NewPassword:         req.NewPassword,
		RevokeOtherSessions: req.RevokeOtherSessions,
	}); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

func (s *Server) UpdateUser(c *gin.Context) {
	var req struct {
		Name  *string `json:"name"`
		Image *string `json:"image"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	user, err := s.authsvc.UpdateUser(c.Request.Context(), sess.UserID, authdomain.UpdateUserRequest{
		Name:  req.Name,
		Image: req.Image,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "user": user})
}

func (s *Server) DeleteUser(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	if err := s.authsvc.DeleteUser(c.Request.Context(), sess, req.Password); err != nil {
		AbortWithError(c, err)
		return
	}
	s.sessions.Clear(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) optionalRedirect(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return s.redirects.Resolve(raw, "")
}

func withErrorParam(target string, err error) string {
	_, payload := mapError(err)
	return redirect.WithQuery(target, url.Values{"error": {payload.Code}})
}

func parseID(field, raw string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(raw)
	if err != nil || id == nil {
		return 0, newValidationError(field, "invalid_id", field+" is not a valid id")
	}
	return *id, nil
}
