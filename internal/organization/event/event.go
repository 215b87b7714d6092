package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	OrganizationCreatedTopic = "organization.created"
	OrganizationDeletedTopic = "organization.deleted"
	MemberJoinedTopic        = "member.joined"
	MemberRemovedTopic       = "member.removed"
	MemberRoleChangedTopic   = "member.role_changed"
)

// EventPublisher records organization lifecycle events. Publishing with the
// transaction handle makes the event commit or roll back with the change.
type EventPublisher interface {
	Publish(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, topic string, payload map[string]any) error
}

// OutboxEvent is a row of organization_events awaiting delivery.
type OutboxEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	OrgID       snowflake.ID   `gorm:"not null;index"`
	EventType   string         `gorm:"type:varchar(64);not null"`
	Payload     datatypes.JSON `gorm:"type:json"`
	Published   bool           `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	PublishedAt *time.Time
}

func (OutboxEvent) TableName() string { return "organization_events" }

type outboxPublisher struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutboxPublisher(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) EventPublisher {
	return &outboxPublisher{
		db:    db,
		genID: genID,
		clock: clk,
	}
}

func (p *outboxPublisher) Publish(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, topic string, payload map[string]any) error {
	if tx == nil {
		tx = p.db
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&OutboxEvent{
		ID:        p.genID.Generate(),
		OrgID:     orgID,
		EventType: topic,
		Payload:   datatypes.JSON(data),
		CreatedAt: p.clock.Now().UTC(),
	}).Error
}
