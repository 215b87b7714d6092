package server

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/workspace/internal/auth/oauth"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"go.uber.org/zap"
)

func (s *Server) ListSocialProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.oauthsvc.Providers()})
}

// SignInSocial returns the provider authorization URL as a redirect
// descriptor; the client performs the navigation.
func (s *Server) SignInSocial(c *gin.Context) {
	var req struct {
		Provider         string `json:"provider"`
		CallbackURL      string `json:"callbackURL"`
		ErrorCallbackURL string `json:"errorCallbackURL"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	authURL, err := s.oauthsvc.Begin(c.Request.Context(), req.Provider, oauth.BeginRequest{
		CallbackURL:      req.CallbackURL,
		ErrorCallbackURL: req.ErrorCallbackURL,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": authURL, "redirect": true})
}

// SocialCallback is reached by the browser, so failures redirect to the
// error callback with an error code instead of rendering JSON.
func (s *Server) SocialCallback(c *gin.Context) {
	provider := c.Param("provider")
	state := c.Query("state")

	if providerErr := c.Query("error"); providerErr != "" {
		target := s.oauthsvc.ErrorRedirect(c.Request.Context(), state)
		c.Redirect(http.StatusFound, s.absolute(redirect.WithQuery(target, url.Values{"error": {providerErr}})))
		return
	}

	errorTarget := s.oauthsvc.ErrorRedirect(c.Request.Context(), state)
	res, err := s.oauthsvc.Callback(c.Request.Context(), provider, oauth.CallbackRequest{
		State:   state,
		Code:    c.Query("code"),
		Session: s.sessionOptions(c, true),
	})
	if err != nil {
		s.log.Info("social sign-in failed", zap.String("provider", provider), zap.Error(err))
		c.Redirect(http.StatusFound, s.absolute(withErrorParam(errorTarget, err)))
		return
	}

	if res.SignIn.TwoFactorRequired {
		c.Redirect(http.StatusFound, s.absolute(redirect.WithQuery(res.RedirectURL, url.Values{
			"twoFactorRedirect": {"true"},
			"challengeToken":    {res.SignIn.ChallengeToken},
		})))
		return
	}

	s.writeSessionCookie(c, res.SignIn.Session)
	c.Redirect(http.StatusFound, s.absolute(res.RedirectURL))
}

// absolute resolves a stored destination against the app base URL. Targets
// were validated when the flow began.
func (s *Server) absolute(target string) string {
	resolved, err := s.redirects.Resolve(target, "/")
	if err != nil {
		return "/"
	}
	return resolved
}
