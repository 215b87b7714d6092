package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	invitationdomain "github.com/smallbiznis/workspace/internal/invitation/domain"
	obsmetrics "github.com/smallbiznis/workspace/internal/observability/metrics"
	"github.com/smallbiznis/workspace/internal/organization/event"
	"go.uber.org/zap"
)

const streamMaxLen = 100000

// PurgeSessionsJob deletes sessions that expired or were revoked longer than
// the retention window ago.
func (s *Scheduler) PurgeSessionsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	cutoff := s.clock.Now().UTC().Add(-s.cfg.SessionRetention)

	var ids []snowflake.ID
	if err := s.db.WithContext(ctx).
		Model(&authdomain.Session{}).
		Where("expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)", cutoff, cutoff).
		Order("id ASC").
		Limit(s.cfg.BatchSize).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&authdomain.Session{})
	if res.Error != nil {
		return res.Error
	}
	run.AddProcessed(int(res.RowsAffected))
	obsmetrics.Scheduler().AddBatchProcessed(JobPurgeSessions, "sessions", int(res.RowsAffected))
	return nil
}

// ExpireInvitationsJob moves pending invitations past their expiry to the
// expired state and records an audit entry for each one.
func (s *Scheduler) ExpireInvitationsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now().UTC()

	var invitations []invitationdomain.Invitation
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", invitationdomain.StatusPending, now).
		Order("id ASC").
		Limit(s.cfg.BatchSize).
		Find(&invitations).Error; err != nil {
		return err
	}

	expired := 0
	for _, inv := range invitations {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := s.db.WithContext(ctx).
			Model(&invitationdomain.Invitation{}).
			Where("id = ? AND status = ?", inv.ID, invitationdomain.StatusPending).
			Updates(map[string]any{
				"status":     invitationdomain.StatusExpired,
				"updated_at": now,
			})
		if res.Error != nil {
			s.logSchedulerError(ctx, run, "invitation expiry failed", JobExpireInvitations, inv.OrgID, res.Error,
				zap.String("invitation_id", inv.ID.String()),
			)
			continue
		}
		// accepted or revoked between the read and the update
		if res.RowsAffected == 0 {
			continue
		}
		expired++

		orgID := inv.OrgID
		target := inv.ID.String()
		if err := s.auditSvc.AuditLog(ctx, &orgID, string(auditdomain.ActorTypeSystem), nil,
			auditdomain.ActionInvitationExpired, "invitation", &target,
			map[string]any{"role": inv.Role},
		); err != nil {
			s.logger(ctx).Warn("failed to write audit log",
				zap.String("action", auditdomain.ActionInvitationExpired),
				zap.Error(err),
			)
		}
	}

	run.AddProcessed(expired)
	obsmetrics.Scheduler().AddBatchProcessed(JobExpireInvitations, "invitations", expired)
	return nil
}

// RelayOutboxJob appends unpublished organization events to the Redis stream
// in id order and marks them published. Delivery is at least once: an event
// is re-sent when marking fails after the append.
func (s *Scheduler) RelayOutboxJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)

	var events []event.OutboxEvent
	if err := s.db.WithContext(ctx).
		Where("published = ?", false).
		Order("id ASC").
		Limit(s.cfg.BatchSize).
		Find(&events).Error; err != nil {
		return err
	}

	relayed := 0
	for _, evt := range events {
		if err := s.redis.XAdd(ctx, &redis.XAddArgs{
			Stream: s.cfg.StreamKey,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]any{
				"event_id":        evt.ID.String(),
				"organization_id": evt.OrgID.String(),
				"type":            evt.EventType,
				"payload":         string(evt.Payload),
				"created_at":      evt.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		}).Err(); err != nil {
			// stop here so later events are not delivered ahead of this one
			s.logSchedulerError(ctx, run, "outbox relay failed", JobRelayOutbox, evt.OrgID, err,
				zap.String("event_id", evt.ID.String()),
			)
			break
		}

		publishedAt := s.clock.Now().UTC()
		if err := s.db.WithContext(ctx).
			Model(&event.OutboxEvent{}).
			Where("id = ?", evt.ID).
			Updates(map[string]any{
				"published":    true,
				"published_at": publishedAt,
			}).Error; err != nil {
			return err
		}
		relayed++
	}

	run.AddProcessed(relayed)
	obsmetrics.Scheduler().AddBatchProcessed(JobRelayOutbox, "organization_events", relayed)
	return nil
}
