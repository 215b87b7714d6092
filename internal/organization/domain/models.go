// Package domain contains persistence models for the organization service.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Organization represents a tenant.
type Organization struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name      string            `gorm:"type:varchar(64);not null" json:"name"`
	Slug      string            `gorm:"type:varchar(64);not null;uniqueIndex:ux_organizations_slug" json:"slug"`
	Logo      *string           `gorm:"type:text" json:"logo,omitempty"`
	Metadata  datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// OrganizationMember represents membership of a user in an organization.
type OrganizationMember struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_org_user,priority:1" json:"organization_id"`
	UserID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_org_user,priority:2" json:"user_id"`
	Role      string       `gorm:"type:varchar(16);not null" json:"role"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (OrganizationMember) TableName() string { return "organization_members" }

// MemberView is a membership joined with the member's profile.
type MemberView struct {
	ID        snowflake.ID `json:"id"`
	OrgID     snowflake.ID `json:"organization_id"`
	UserID    snowflake.ID `json:"user_id"`
	Role      string       `json:"role"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Image     *string      `json:"image,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type OrganizationListItem struct {
	ID        snowflake.ID `json:"id"`
	Name      string       `json:"name"`
	Slug      string       `json:"slug"`
	Logo      *string      `json:"logo,omitempty"`
	Role      string       `json:"role"`
	CreatedAt time.Time    `json:"created_at"`
}

// FullOrganization is the organization with its members and the caller's role.
type FullOrganization struct {
	Organization
	Role    string       `json:"role"`
	Members []MemberView `json:"members"`
}
