package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/workspace/internal/auth/mfa"
)

type passwordRequest struct {
	Password string `json:"password"`
}

type secondFactorRequest struct {
	ChallengeToken string `json:"challengeToken"`
	Code           string `json:"code"`
	TrustDevice    bool   `json:"trustDevice"`
}

func (s *Server) TwoFactorStatus(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	state, err := s.mfasvc.State(c.Request.Context(), sess.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":   state,
		"enabled": state == mfa.StateEnabled,
	})
}

func (s *Server) EnableTwoFactor(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	res, err := s.mfasvc.Enable(c.Request.Context(), sess.UserID, req.Password)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) GetTotpURI(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	uri, err := s.mfasvc.GetTotpURI(c.Request.Context(), sess.UserID, req.Password)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, mfa.EnableResult{TotpURI: uri})
}

func (s *Server) DisableTwoFactor(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	if err := s.mfasvc.Disable(c.Request.Context(), sess.UserID, req.Password); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

func (s *Server) GenerateBackupCodes(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	codes, err := s.mfasvc.GenerateBackupCodes(c.Request.Context(), sess.UserID, req.Password)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, mfa.ConfirmResult{BackupCodes: codes})
}

// VerifyTotp serves two flows: without a challenge token a signed-in user
// confirms a pending enrollment, with one it completes a sign-in.
func (s *Server) VerifyTotp(c *gin.Context) {
	var req secondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if req.ChallengeToken == "" {
		sess, ok := sessionFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		res, err := s.mfasvc.ConfirmEnable(c.Request.Context(), sess.UserID, req.Code)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	res, err := s.mfasvc.VerifyTotp(c.Request.Context(), req.ChallengeToken, req.Code, req.TrustDevice)
	s.completeSecondFactor(c, res, err)
}

func (s *Server) SendTwoFactorOtp(c *gin.Context) {
	var req secondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.mfasvc.SendOtp(c.Request.Context(), req.ChallengeToken); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

func (s *Server) VerifyTwoFactorOtp(c *gin.Context) {
	var req secondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.mfasvc.VerifyOtp(c.Request.Context(), req.ChallengeToken, req.Code, req.TrustDevice)
	s.completeSecondFactor(c, res, err)
}

func (s *Server) VerifyBackupCode(c *gin.Context) {
	var req secondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.mfasvc.VerifyBackupCode(c.Request.Context(), req.ChallengeToken, req.Code, req.TrustDevice)
	s.completeSecondFactor(c, res, err)
}

func (s *Server) completeSecondFactor(c *gin.Context, res *mfa.VerifyResult, err error) {
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.writeSessionCookie(c, res.Session)
	s.writeTrustedDevice(c, res.TrustedDeviceToken, res.TrustedDeviceExpiresAt)
	c.JSON(http.StatusOK, sessionResponse{
		User:    res.Session.User,
		Session: newSessionView(res.Session),
	})
}
