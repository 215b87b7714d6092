package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	auditrepository "github.com/smallbiznis/workspace/internal/audit/repository"
	auditservice "github.com/smallbiznis/workspace/internal/audit/service"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/clock"
	invitationdomain "github.com/smallbiznis/workspace/internal/invitation/domain"
	"github.com/smallbiznis/workspace/internal/migration"
	obsmetrics "github.com/smallbiznis/workspace/internal/observability/metrics"
	"github.com/smallbiznis/workspace/internal/organization/event"
	"github.com/smallbiznis/workspace/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	sched *Scheduler
	db    *gorm.DB
	redis *miniredis.Miniredis
	node  *snowflake.Node
	clock *clock.FakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	t.Cleanup(restore)

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(conn, "sqlite"))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(testNow)

	sched, err := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		Redis: client,
		AuditSvc: auditservice.NewService(auditservice.Params{
			DB:    conn,
			Log:   zap.NewNop(),
			GenID: node,
			Repo:  auditrepository.Provide(),
			Clock: fake,
		}),
		Clock:  fake,
		Config: cfg,
	})
	require.NoError(t, err)

	return &fixture{sched: sched, db: conn, redis: mr, node: node, clock: fake}
}

func (f *fixture) session(t *testing.T, expiresAt time.Time, revokedAt *time.Time) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	require.NoError(t, f.db.Create(&authdomain.Session{
		ID:         id,
		UserID:     f.node.Generate(),
		TokenHash:  id.String(),
		ExpiresAt:  expiresAt,
		RevokedAt:  revokedAt,
		CreatedAt:  testNow.Add(-30 * 24 * time.Hour),
		LastSeenAt: testNow.Add(-30 * 24 * time.Hour),
	}).Error)
	return id
}

func (f *fixture) invitation(t *testing.T, status invitationdomain.Status, expiresAt time.Time) invitationdomain.Invitation {
	t.Helper()
	inv := invitationdomain.Invitation{
		ID:        f.node.Generate(),
		OrgID:     f.node.Generate(),
		Email:     "dana@example.com",
		Role:      "member",
		Status:    status,
		InviterID: f.node.Generate(),
		ExpiresAt: expiresAt,
		CreatedAt: testNow.Add(-72 * time.Hour),
		UpdatedAt: testNow.Add(-72 * time.Hour),
	}
	require.NoError(t, f.db.Create(&inv).Error)
	return inv
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPurgeSessionsJob(t *testing.T) {
	f := newFixture(t, Config{SessionRetention: 24 * time.Hour})

	longRevoked := testNow.Add(-48 * time.Hour)
	recentlyRevoked := testNow.Add(-time.Hour)

	stale := f.session(t, testNow.Add(-48*time.Hour), nil)
	revoked := f.session(t, testNow.Add(24*time.Hour), &longRevoked)
	graced := f.session(t, testNow.Add(-time.Hour), nil)
	fresh := f.session(t, testNow.Add(24*time.Hour), &recentlyRevoked)
	live := f.session(t, testNow.Add(24*time.Hour), nil)

	require.NoError(t, f.sched.PurgeSessionsJob(context.Background()))

	var remaining []snowflake.ID
	require.NoError(t, f.db.Model(&authdomain.Session{}).Order("id ASC").Pluck("id", &remaining).Error)
	assert.ElementsMatch(t, []snowflake.ID{graced, fresh, live}, remaining)
	assert.NotContains(t, remaining, stale)
	assert.NotContains(t, remaining, revoked)
}

func TestPurgeSessionsJobHonorsBatchSize(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2, SessionRetention: time.Hour})
	for i := 0; i < 3; i++ {
		f.session(t, testNow.Add(-48*time.Hour), nil)
	}

	require.NoError(t, f.sched.PurgeSessionsJob(context.Background()))

	var count int64
	require.NoError(t, f.db.Model(&authdomain.Session{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestExpireInvitationsJob(t *testing.T) {
	f := newFixture(t, Config{})

	overdue := f.invitation(t, invitationdomain.StatusPending, testNow.Add(-time.Minute))
	open := f.invitation(t, invitationdomain.StatusPending, testNow.Add(time.Hour))
	accepted := f.invitation(t, invitationdomain.StatusAccepted, testNow.Add(-time.Hour))

	require.NoError(t, f.sched.ExpireInvitationsJob(context.Background()))

	status := func(id snowflake.ID) invitationdomain.Status {
		var inv invitationdomain.Invitation
		require.NoError(t, f.db.First(&inv, "id = ?", id).Error)
		return inv.Status
	}
	assert.Equal(t, invitationdomain.StatusExpired, status(overdue.ID))
	assert.Equal(t, invitationdomain.StatusPending, status(open.ID))
	assert.Equal(t, invitationdomain.StatusAccepted, status(accepted.ID))

	var logs []auditdomain.AuditLog
	require.NoError(t, f.db.Where("action = ?", auditdomain.ActionInvitationExpired).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), logs[0].ActorType)
	require.NotNil(t, logs[0].OrgID)
	assert.Equal(t, overdue.OrgID, *logs[0].OrgID)
	require.NotNil(t, logs[0].TargetID)
	assert.Equal(t, overdue.ID.String(), *logs[0].TargetID)

	// a second pass finds nothing left to expire
	require.NoError(t, f.sched.ExpireInvitationsJob(context.Background()))
	var count int64
	require.NoError(t, f.db.Model(&auditdomain.AuditLog{}).Where("action = ?", auditdomain.ActionInvitationExpired).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRelayOutboxJob(t *testing.T) {
	f := newFixture(t, Config{})
	orgID := f.node.Generate()

	var ids []snowflake.ID
	for _, topic := range []string{"organization.created", "member.added"} {
		evt := event.OutboxEvent{
			ID:        f.node.Generate(),
			OrgID:     orgID,
			EventType: topic,
			Payload:   datatypes.JSON(`{"organization_id":"` + orgID.String() + `"}`),
			CreatedAt: testNow,
		}
		require.NoError(t, f.db.Create(&evt).Error)
		ids = append(ids, evt.ID)
	}

	require.NoError(t, f.sched.RelayOutboxJob(context.Background()))

	entries, err := f.redis.Stream(f.sched.cfg.StreamKey)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{
		"event_id", ids[0].String(),
		"organization_id", orgID.String(),
		"type", "organization.created",
		"payload", `{"organization_id":"` + orgID.String() + `"}`,
		"created_at", testNow.Format(time.RFC3339Nano),
	}, sortedValues(entries[0].Values))
	assert.Equal(t, ids[1].String(), valueOf(entries[1].Values, "event_id"))

	var pending int64
	require.NoError(t, f.db.Model(&event.OutboxEvent{}).Where("published = ?", false).Count(&pending).Error)
	assert.Zero(t, pending)

	// published events are not sent twice
	require.NoError(t, f.sched.RelayOutboxJob(context.Background()))
	entries, err = f.redis.Stream(f.sched.cfg.StreamKey)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRelayOutboxJobKeepsEventsWhenRedisFails(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.db.Create(&event.OutboxEvent{
		ID:        f.node.Generate(),
		OrgID:     f.node.Generate(),
		EventType: "organization.created",
		Payload:   datatypes.JSON(`{}`),
		CreatedAt: testNow,
	}).Error)

	f.redis.SetError("ERR simulated outage")
	require.NoError(t, f.sched.RelayOutboxJob(context.Background()))

	var pending int64
	require.NoError(t, f.db.Model(&event.OutboxEvent{}).Where("published = ?", false).Count(&pending).Error)
	assert.EqualValues(t, 1, pending)
}

func TestRunOnceRespectsEnabledJobs(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"EXPIRE_INVITATIONS"}})
	overdue := f.invitation(t, invitationdomain.StatusPending, testNow.Add(-time.Minute))
	f.session(t, testNow.Add(-30*24*time.Hour), nil)

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var inv invitationdomain.Invitation
	require.NoError(t, f.db.First(&inv, "id = ?", overdue.ID).Error)
	assert.Equal(t, invitationdomain.StatusExpired, inv.Status)

	var sessions int64
	require.NoError(t, f.db.Model(&authdomain.Session{}).Count(&sessions).Error)
	assert.EqualValues(t, 1, sessions)
}

func TestRelayDisabledWithoutRedis(t *testing.T) {
	s := &Scheduler{cfg: DefaultConfig()}
	assert.False(t, s.isJobEnabled(JobRelayOutbox))
	assert.True(t, s.isJobEnabled(JobPurgeSessions))
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "workspace",
		Environment: "test",
	})

	s := &Scheduler{log: zap.NewNop(), clock: clock.NewFakeClock(time.Time{})}
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "workspace",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "workspace_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "workspace",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "workspace_scheduler_job_errors_total", errorLabels))
}

func sortedValues(values []string) []string {
	order := []string{"event_id", "organization_id", "type", "payload", "created_at"}
	out := make([]string, 0, len(order)*2)
	for _, key := range order {
		out = append(out, key, valueOf(values, key))
	}
	return out
}

func valueOf(values []string, key string) string {
	for i := 0; i+1 < len(values); i += 2 {
		if values[i] == key {
			return values[i+1]
		}
	}
	return ""
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
