package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	authrepository "github.com/smallbiznis/workspace/internal/auth/repository"
	"github.com/smallbiznis/workspace/internal/auth/secret"
	authservice "github.com/smallbiznis/workspace/internal/auth/service"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/authorization"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/invitation/domain"
	"github.com/smallbiznis/workspace/internal/invitation/repository"
	orgdomain "github.com/smallbiznis/workspace/internal/organization/domain"
	"github.com/smallbiznis/workspace/internal/organization/event"
	orgrepository "github.com/smallbiznis/workspace/internal/organization/repository"
	"github.com/smallbiznis/workspace/internal/providers/email"
	"github.com/smallbiznis/workspace/internal/ratelimit"
	"github.com/smallbiznis/workspace/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sentMail struct {
	to   []string
	body string
}

type mailbox struct {
	mu    sync.Mutex
	fail  bool
	sent  []sentMail
	flush func()
}

func (m *mailbox) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// messages returns what has been delivered once queued sends finish.
func (m *mailbox) messages() []sentMail {
	if m.flush != nil {
		m.flush()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

func (m *mailbox) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp: connection refused")
	}
	m.sent = append(m.sent, sentMail{to: to, body: htmlBody})
	return nil
}

type testEnv struct {
	db     *gorm.DB
	mr     *miniredis.Miniredis
	clock  *clock.FakeClock
	node   *snowflake.Node
	auth   authdomain.Service
	mail   *mailbox
	policy config.AuthPolicy
	org    *orgdomain.Organization
	owner  *authdomain.User
	admin  *authdomain.User
	member *authdomain.User

	deps Params
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&authdomain.User{},
		&authdomain.Session{},
		&authdomain.Account{},
		&orgdomain.Organization{},
		&orgdomain.OrganizationMember{},
		&domain.Invitation{},
		&event.OutboxEvent{},
	))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	redirects, err := redirect.NewValidator(config.Config{AppBaseURL: "http://localhost:3000"})
	require.NoError(t, err)

	policy := config.DefaultAuthPolicy()
	policy.SendWelcomeEmail = false
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	userRepo, sessionRepo := authrepository.New(conn)
	auth := authservice.New(authservice.Params{
		Log:         zap.NewNop(),
		Policy:      config.NewStaticPolicy(policy),
		Repo:        userRepo,
		SessionRepo: sessionRepo,
		GenID:       node,
		Clock:       fake,
		Tokens:      token.NewStore(client),
		Keyring:     secret.NewStaticKeyring("test-secret"),
		Redirects:   redirects,
	})

	enforcer, err := authorization.NewEnforcer(conn)
	require.NoError(t, err)

	mail := &mailbox{}
	notifier, err := email.NewNotifier(mail, "Workspace", zap.NewNop(), nil)
	require.NoError(t, err)
	mail.flush = func() { _ = notifier.Wait(context.Background()) }

	env := &testEnv{db: conn, mr: mr, clock: fake, node: node, auth: auth, mail: mail, policy: policy}
	env.deps = Params{
		DB:        conn,
		Log:       zap.NewNop(),
		Repo:      repository.NewRepository(conn),
		OrgRepo:   orgrepository.NewRepository(conn),
		Authz:     authorization.NewService(authorization.Params{DB: conn, Log: zap.NewNop(), Enforcer: enforcer}),
		Auth:      auth,
		Policy:    config.NewStaticPolicy(policy),
		Clock:     fake,
		GenID:     node,
		Redirects: redirects,
		Publisher: event.NewOutboxPublisher(conn, node, fake),
		Locker:    ratelimit.NewLocker(client),
		Notifier:  notifier,
	}

	env.owner = env.signUp(t, "Olive Owner", "owner@example.com")
	env.admin = env.signUp(t, "Adam Admin", "admin@example.com")
	env.member = env.signUp(t, "Mia Member", "member@example.com")

	now := fake.Now()
	env.org = &orgdomain.Organization{ID: node.Generate(), Name: "Acme", Slug: "acme", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, conn.Create(env.org).Error)
	for user, role := range map[*authdomain.User]authorization.Role{
		env.owner:  authorization.RoleOwner,
		env.admin:  authorization.RoleAdmin,
		env.member: authorization.RoleMember,
	} {
		require.NoError(t, conn.Create(&orgdomain.OrganizationMember{
			ID: node.Generate(), OrgID: env.org.ID, UserID: user.ID, Role: string(role), CreatedAt: now,
		}).Error)
	}
	return env
}

func (e *testEnv) signUp(t *testing.T, name, addr string) *authdomain.User {
	t.Helper()
	res, err := e.auth.SignUp(context.Background(), authdomain.SignUpRequest{Name: name, Email: addr, Password: "correct-password"})
	require.NoError(t, err)
	return res.User
}

func (e *testEnv) service(policy config.AuthPolicy) domain.Service {
	deps := e.deps
	deps.Policy = config.NewStaticPolicy(policy)
	return NewService(deps)
}

func TestCreateInvitation(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(env.policy)
	ctx := context.Background()

	inv, err := svc.Create(ctx, env.admin.ID, env.org.ID, domain.CreateRequest{Email: " New.Person@Example.com ", Role: "member"})
	require.NoError(t, err)
	assert.Equal(t, "new.person@example.com", inv.Email)
	assert.Equal(t, domain.StatusPending, inv.Status)
	assert.Equal(t, env.clock.Now().Add(48*time.Hour), inv.ExpiresAt)

	require.Len(t, env.mail.messages(), 1)
	assert.Equal(t, []string{"new.person@example.com"}, env.mail.messages()[0].to)
	assert.Contains(t, env.mail.messages()[0].body, "http://localhost:3000/accept-invitation/"+inv.ID.String())
	assert.Contains(t, env.mail.messages()[0].body, "Adam Admin")
}

func TestCreateInvitationAuthorization(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(env.policy)
	ctx := context.Background()

	_, err := svc.Create(ctx, env.member.ID, env.org.ID, domain.CreateRequest{Email: "x@example.com", Role: "member"})
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	_, err = svc.Create(ctx, env.node.Generate(), env.org.ID, domain.CreateRequest{Email: "x@example.com", Role: "member"})
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	for _, role := range []string{"owner", "guest", ""} {
		_, err = svc.Create(ctx, env.owner.ID, env.org.ID, domain.CreateRequest{Email: "x@example.com", Role: role})
		assert.ErrorIs(t, err, authorization.ErrInvalidRole, role)
	}

	_, err = svc.Create(ctx, env.owner.ID, env.org.ID, domain.CreateRequest{Email: "not-an-email", Role: "member"})
	assert.ErrorIs(t, err, domain.ErrInvalidEmail)

	_, err = svc.Create(ctx, env.owner.ID, env.org.ID, domain.CreateRequest{Email: "MEMBER@example.com", Role: "admin"})
	assert.ErrorIs(t, err, domain.ErrAlreadyMember)

	assert.Empty(t, env.mail.messages())
}

func TestDuplicatePendingInvitation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := domain.CreateRequest{Email: "dup@example.com", Role: "member"}

	strict := env.service(env.policy)
	_, err := strict.Create(ctx, env.owner.ID, env.org.ID, req)
	require.NoError(t, err)
	_, err = strict.Create(ctx, env.admin.ID, env.org.ID, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateInvitation)

	// an expired invitation no longer blocks a new one
	env.clock.Advance(49 * time.Hour)
	_, err = strict.Create(ctx, env.admin.ID, env.org.ID, req)
	require.NoError(t, err)

	lenient := env.policy
	lenient.Invitation.AllowDuplicates = true
	_, err = env.service(lenient).Create(ctx, env.owner.ID, env.org.ID, req)
	require.NoError(t, err)

	items, err := strict.ListByOrganization(ctx, env.member.ID, env.org.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	statuses := map[domain.Status]int{}
	for _, item := range items {
		statuses[item.Status]++
	}
	assert.Equal(t, 2, statuses[domain.StatusPending])
	assert.Equal(t, 1, statuses[domain.StatusExpired])
}

func TestCreateInvitationRespectsInFlightLock(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(env.policy)

	require.NoError(t, env.mr.Set(ratelimit.LockKey(invitationLockName(env.org.ID, "race@example.com")), "other"))
	_, err := svc.Create(context.Background(), env.owner.ID, env.org.ID, domain.CreateRequest{Email: "race@example.com", Role: "member"})
	assert.ErrorIs(t, err, domain.ErrDuplicateInvitation)
}

func TestEmailFailureDoesNotBlockInvitation(t *testing.T) {
	env := newTestEnv(t)
	env.mail.setFail(true)
	svc := env.service(env.policy)

	inv, err := svc.Create(context.Background(), env.owner.ID, env.org.ID, domain.CreateRequest{Email: "quiet@example.com", Role: "admin"})
	require.NoError(t, err)

	var stored domain.Invitation
	require.NoError(t, env.db.First(&stored, "id = ?", inv.ID).Error)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestCancelInvitationTwice(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(env.policy)
	ctx := context.Background()

	inv, err := svc.Create(ctx, env.owner.ID, env.org.ID, domain.CreateRequest{Email: "bye@example.com", Role: "member"})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, env.member.ID, inv.ID)
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	canceled, err := svc.Cancel(ctx, env.admin.ID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, canceled.Status)
	firstResponse := canceled.RespondedAt

	env.clock.Advance(time.Minute)
	_, err = svc.Cancel(ctx, env.admin.ID, inv.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	var stored domain.Invitation
	require.NoError(t, env.db.First(&stored, "id = ?", inv.ID).Error)
	assert.Equal(t, domain.StatusRevoked, stored.Status)
	require.NotNil(t, stored.RespondedAt)
	assert.True(t, firstResponse.Equal(*stored.RespondedAt))

	_, err = svc.Cancel(ctx, env.owner.ID, env.node.Generate())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelExpiredInvitation(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(env.policy)
	ctx := context.Background()

	inv, err := svc.Create(ctx, env.owner.ID, env.org.ID, domain.CreateRequest{Email: "late@example.com", Role: "member"})
	require.NoError(t, err)
	env.clock.Advance(48 * time.Hour)

	_, err = svc.Cancel(ctx, env.owner.ID, inv.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAcceptInvitation(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(env.policy)
	ctx := context.Background()

	inv, err := svc.Create(ctx, env.owner.ID, env.org.ID, domain.CreateRequest{Email: "joiner@example.com", Role: "admin"})
	require.NoError(t, err)
	joiner := env.signUp(t, "Jo Iner", "Joiner@example.com")

	pending, err := svc.ListForUser(ctx, joiner.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Acme", pending[0].OrgName)
	assert.Equal(t, "Olive Owner", pending[0].InviterName)

	_, err = svc.Accept(ctx, env.admin.ID, inv.ID)
	assert.ErrorIs(t, err, domain.ErrRecipientMismatch)

	member, err := svc.Accept(ctx, joiner.ID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin", member.Role)
	assert.Equal(t, env.org.ID, member.OrgID)

	_, err = svc.Accept(ctx, joiner.ID, inv.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	view, err := svc.Get(ctx, joiner.ID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, view.Status)

	var events []event.OutboxEvent
	require.NoError(t, env.db.Where("event_type = ?", event.MemberJoinedTopic).Find(&events).Error)
	assert.Len(t, events, 1)
}

func TestRejectAndExpiredAccept(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(env.policy)
	ctx := context.Background()
	guest := env.signUp(t, "Gus Guest", "guest@example.com")

	first, err := svc.Create(ctx, env.owner.ID, env.org.ID, domain.CreateRequest{Email: "guest@example.com", Role: "member"})
	require.NoError(t, err)
	require.NoError(t, svc.Reject(ctx, guest.ID, first.ID))
	assert.ErrorIs(t, svc.Reject(ctx, guest.ID, first.ID), domain.ErrInvalidState)

	second, err := svc.Create(ctx, env.owner.ID, env.org.ID, domain.CreateRequest{Email: "guest@example.com", Role: "member"})
	require.NoError(t, err)
	env.clock.Advance(72 * time.Hour)
	_, err = svc.Accept(ctx, guest.ID, second.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	view, err := svc.Get(ctx, guest.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, view.Status)

	outsider := env.signUp(t, "Nosy Neighbour", "nosy@example.com")
	_, err = svc.Get(ctx, outsider.ID, second.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvitationMailMentionsRole(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(env.policy)

	_, err := svc.Create(context.Background(), env.owner.ID, env.org.ID, domain.CreateRequest{Email: "role@example.com", Role: "admin"})
	require.NoError(t, err)
	require.Len(t, env.mail.messages(), 1)
	assert.True(t, strings.Contains(env.mail.messages()[0].body, "as admin"))
}
