package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	invitationdomain "github.com/smallbiznis/workspace/internal/invitation/domain"
	"go.uber.org/zap"
)

type invitationRequest struct {
	InvitationID string `json:"invitationId"`
}

func (s *Server) InviteMember(c *gin.Context) {
	var req struct {
		Email          string `json:"email"`
		Role           string `json:"role"`
		OrganizationID string `json:"organizationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := s.resolveOrgID(c, req.OrganizationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	inv, err := s.invitationSvc.Create(c.Request.Context(), sess.UserID, orgID, invitationdomain.CreateRequest{
		Email: req.Email,
		Role:  req.Role,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) CancelInvitation(c *gin.Context) {
	var req invitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	invitationID, err := parseID("invitationId", req.InvitationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	inv, err := s.invitationSvc.Cancel(c.Request.Context(), sess.UserID, invitationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// AcceptInvitation makes the joined organization the session's active one.
func (s *Server) AcceptInvitation(c *gin.Context) {
	var req invitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	invitationID, err := parseID("invitationId", req.InvitationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	ctx := c.Request.Context()
	member, err := s.invitationSvc.Accept(ctx, sess.UserID, invitationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if _, err := s.orgSvc.SetActive(ctx, sess, &member.OrgID); err != nil {
		s.log.Warn("failed to activate joined organization", zap.String("organization_id", member.OrgID.String()), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"member": member})
}

func (s *Server) RejectInvitation(c *gin.Context) {
	var req invitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	invitationID, err := parseID("invitationId", req.InvitationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	if err := s.invitationSvc.Reject(c.Request.Context(), sess.UserID, invitationID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

func (s *Server) GetInvitation(c *gin.Context) {
	invitationID, err := parseID("id", c.Query("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	view, err := s.invitationSvc.Get(c.Request.Context(), sess.UserID, invitationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) ListInvitations(c *gin.Context) {
	orgID, err := s.resolveOrgID(c, c.Query("organizationId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	items, err := s.invitationSvc.ListByOrganization(c.Request.Context(), sess.UserID, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": items})
}

func (s *Server) ListUserInvitations(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	items, err := s.invitationSvc.ListForUser(c.Request.Context(), sess.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": items})
}
