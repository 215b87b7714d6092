package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orgdomain "github.com/smallbiznis/workspace/internal/organization/domain"
	"go.uber.org/zap"
)

type createOrganizationRequest struct {
	Name     string         `json:"name"`
	Slug     string         `json:"slug"`
	Logo     *string        `json:"logo"`
	Metadata map[string]any `json:"metadata"`
	// KeepCurrentActiveOrganization leaves the session's active
	// organization untouched.
	KeepCurrentActiveOrganization bool `json:"keepCurrentActiveOrganization"`
}

type memberRequest struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	Role           string `json:"role"`
}

func (s *Server) CreateOrganization(c *gin.Context) {
	var req createOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, _ := sessionFromContext(c)
	ctx := c.Request.Context()
	org, err := s.orgSvc.Create(ctx, sess.UserID, orgdomain.CreateOrganizationRequest{
		Name:     req.Name,
		Slug:     req.Slug,
		Logo:     req.Logo,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !req.KeepCurrentActiveOrganization {
		if _, err := s.orgSvc.SetActive(ctx, sess, &org.ID); err != nil {
			s.log.Warn("failed to activate new organization", zap.String("organization_id", org.ID.String()), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, org)
}

func (s *Server) CheckSlug(c *gin.Context) {
	var req struct {
		Slug string `json:"slug"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	available, err := s.orgSvc.CheckSlug(c.Request.Context(), req.Slug)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": available})
}

func (s *Server) ListOrganizations(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	items, err := s.orgSvc.List(c.Request.Context(), sess.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizations": items})
}

func (s *Server) GetFullOrganization(c *gin.Context) {
	orgID, err := s.resolveOrgID(c, c.Query("organizationId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	full, err := s.orgSvc.GetFull(c.Request.Context(), sess.UserID, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, full)
}

func (s *Server) DeleteOrganization(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := parseID("organizationId", req.OrganizationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	if err := s.orgSvc.Delete(c.Request.Context(), sess.UserID, orgID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: true})
}

// SetActiveOrganization accepts a null organizationId to clear the
// selection.
func (s *Server) SetActiveOrganization(c *gin.Context) {
	var req struct {
		OrganizationID *string `json:"organizationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var orgID *snowflake.ID
	if req.OrganizationID != nil && strings.TrimSpace(*req.OrganizationID) != "" {
		id, err := parseID("organizationId", *req.OrganizationID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		orgID = &id
	}

	sess, _ := sessionFromContext(c)
	active, err := s.orgSvc.SetActive(c.Request.Context(), sess, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (s *Server) GetActiveMember(c *gin.Context) {
	sess, _ := sessionFromContext(c)

	active, err := s.orgSvc.ResolveActive(c.Request.Context(), sess)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if active == nil {
		AbortWithError(c, ErrNoActiveOrg)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"organization_id": active.OrgID,
		"user_id":         sess.UserID,
		"role":            active.Role,
	})
}

func (s *Server) ListMembers(c *gin.Context) {
	orgID, err := s.resolveOrgID(c, c.Query("organizationId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	members, err := s.orgSvc.ListMembers(c.Request.Context(), sess.UserID, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (s *Server) RemoveMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := s.resolveOrgID(c, req.OrganizationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	targetID, err := parseID("userId", req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	res, err := s.orgSvc.RemoveMember(c.Request.Context(), sess.UserID, orgID, targetID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) UpdateMemberRole(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := s.resolveOrgID(c, req.OrganizationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	targetID, err := parseID("userId", req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, _ := sessionFromContext(c)
	member, err := s.orgSvc.UpdateMemberRole(c.Request.Context(), sess.UserID, orgID, targetID, req.Role)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (s *Server) LeaveOrganization(c *gin.Context) {
	var req memberRequest
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
	res, err := s.orgSvc.RemoveMember(c.Request.Context(), sess.UserID, orgID, sess.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// resolveOrgID falls back to the session's active organization when the
// request names none. Membership is checked by the service.
func (s *Server) resolveOrgID(c *gin.Context, raw string) (snowflake.ID, error) {
	if strings.TrimSpace(raw) != "" {
		return parseID("organizationId", raw)
	}
	sess, ok := sessionFromContext(c)
	if !ok {
		return 0, ErrUnauthorized
	}
	if sess.ActiveOrgID == nil {
		return 0, ErrNoActiveOrg
	}
	return *sess.ActiveOrgID, nil
}
