package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

type passkeyOptionsResponse struct {
	CeremonyID string `json:"ceremonyId"`
	Options    any    `json:"options"`
}

// passkeyCeremonyRequest wraps the browser's PublicKeyCredential JSON, which
// is handed to the webauthn parser unchanged.
type passkeyCeremonyRequest struct {
	CeremonyID string          `json:"ceremonyId"`
	Name       string          `json:"name"`
	Response   json.RawMessage `json:"response"`
}

func (s *Server) BeginPasskeySignIn(c *gin.Context) {
	options, ceremonyID, err := s.passkeysvc.BeginSignIn(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, passkeyOptionsResponse{CeremonyID: ceremonyID, Options: options.Response})
}

func (s *Server) FinishPasskeySignIn(c *gin.Context) {
	var req passkeyCeremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Response) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.passkeysvc.FinishSignIn(c.Request.Context(), req.CeremonyID, req.Response, s.sessionOptions(c, true))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.writeSessionCookie(c, res)
	c.JSON(http.StatusOK, sessionResponse{User: res.User, Session: newSessionView(res)})
}

func (s *Server) BeginPasskeyRegistration(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	options, ceremonyID, err := s.passkeysvc.BeginRegistration(c.Request.Context(), sess.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, passkeyOptionsResponse{CeremonyID: ceremonyID, Options: options.Response})
}

func (s *Server) FinishPasskeyRegistration(c *gin.Context) {
	var req passkeyCeremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Response) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	pk, err := s.passkeysvc.FinishRegistration(c.Request.Context(), sess.UserID, req.CeremonyID, req.Name, req.Response)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, pk)
}

func (s *Server) ListPasskeys(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	items, err := s.passkeysvc.List(c.Request.Context(), sess.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"passkeys": items})
}

func (s *Server) DeletePasskey(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	passkeyID, err := parseID("id", req.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	if err := s.passkeysvc.Delete(c.Request.Context(), sess.UserID, passkeyID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}
