package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/workspace/internal/audit"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	"github.com/smallbiznis/workspace/internal/auth"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/mfa"
	"github.com/smallbiznis/workspace/internal/auth/oauth"
	"github.com/smallbiznis/workspace/internal/auth/passkey"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"github.com/smallbiznis/workspace/internal/auth/session"
	"github.com/smallbiznis/workspace/internal/authorization"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/invitation"
	invitationdomain "github.com/smallbiznis/workspace/internal/invitation/domain"
	"github.com/smallbiznis/workspace/internal/observability"
	obslogger "github.com/smallbiznis/workspace/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/workspace/internal/observability/metrics"
	obstracing "github.com/smallbiznis/workspace/internal/observability/tracing"
	"github.com/smallbiznis/workspace/internal/organization"
	orgdomain "github.com/smallbiznis/workspace/internal/organization/domain"
	"github.com/smallbiznis/workspace/internal/providers"
	"github.com/smallbiznis/workspace/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	authorization.Module,
	audit.Module,
	providers.Module,
	ratelimit.Module,
	auth.Module,
	organization.Module,
	invitation.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	authsvc       authdomain.Service
	mfasvc        *mfa.Service
	passkeysvc    *passkey.Service
	oauthsvc      *oauth.Service
	sessions      *session.Manager
	redirects     *redirect.Validator
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	orgSvc        orgdomain.Service
	invitationSvc invitationdomain.Service
	limiter       *ratelimit.Limiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Authsvc       authdomain.Service
	MFASvc        *mfa.Service
	PasskeySvc    *passkey.Service
	OAuthSvc      *oauth.Service
	Sessions      *session.Manager
	Redirects     *redirect.Validator
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service
	OrgSvc        orgdomain.Service
	InvitationSvc invitationdomain.Service
	Limiter       *ratelimit.Limiter  `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		authsvc:       p.Authsvc,
		mfasvc:        p.MFASvc,
		passkeysvc:    p.PasskeySvc,
		oauthsvc:      p.OAuthSvc,
		sessions:      p.Sessions,
		redirects:     p.Redirects,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		orgSvc:        p.OrgSvc,
		invitationSvc: p.InvitationSvc,
		limiter:       p.Limiter,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerAuthRoutes()
	svc.registerTwoFactorRoutes()
	svc.registerPasskeyRoutes()
	svc.registerOrganizationRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAuthRoutes() {
	api := s.engine.Group("/api/auth", s.RateLimit("auth", ratelimit.ClassDefault))
	sensitive := s.RateLimit("auth-sensitive", ratelimit.ClassSensitive)

	api.POST("/sign-up/email", sensitive, s.SignUp)
	api.POST("/sign-in/email", sensitive, s.SignIn)
	api.POST("/sign-out", s.SignOut)
	api.GET("/get-session", s.OptionalAuth(), s.GetSession)

	api.POST("/forget-password", sensitive, s.ForgetPassword)
	api.POST("/reset-password", sensitive, s.ResetPassword)
	api.POST("/send-verification-email", sensitive, s.SendVerificationEmail)
	api.GET("/verify-email", s.VerifyEmail)

	api.POST("/sign-in/magic-link", sensitive, s.SendMagicLink)
	api.GET("/magic-link/verify", s.VerifyMagicLink)
	api.POST("/email-otp/send-verification-otp", sensitive, s.SendSignInOtp)
	api.POST("/sign-in/email-otp", sensitive, s.SignInWithEmailOtp)

	api.GET("/providers", s.ListSocialProviders)
	api.POST("/sign-in/social", s.SignInSocial)
	api.GET("/callback/:provider", s.SocialCallback)

	user := api.Group("", s.AuthRequired())
	{
		user.GET("/list-sessions", s.ListSessions)
		user.POST("/revoke-session", s.RevokeSession)
		user.POST("/revoke-other-sessions", s.RevokeOtherSessions)
		user.POST("/revoke-sessions", s.RevokeSessions)
		user.POST("/change-password", sensitive, s.ChangePassword)
		user.POST("/update-user", s.UpdateUser)
		user.POST("/delete-user", sensitive, s.DeleteUser)
	}
}

func (s *Server) registerTwoFactorRoutes() {
	tf := s.engine.Group("/api/auth/two-factor", s.RateLimit("two-factor", ratelimit.ClassSensitive))

	tf.GET("/status", s.AuthRequired(), s.TwoFactorStatus)
	tf.POST("/enable", s.AuthRequired(), s.EnableTwoFactor)
	tf.POST("/get-totp-uri", s.AuthRequired(), s.GetTotpURI)
	tf.POST("/disable", s.AuthRequired(), s.DisableTwoFactor)
	tf.POST("/generate-backup-codes", s.AuthRequired(), s.GenerateBackupCodes)

	tf.POST("/verify-totp", s.OptionalAuth(), s.VerifyTotp)
	tf.POST("/send-otp", s.SendTwoFactorOtp)
	tf.POST("/verify-otp", s.VerifyTwoFactorOtp)
	tf.POST("/verify-backup-code", s.VerifyBackupCode)
}

func (s *Server) registerPasskeyRoutes() {
	pk := s.engine.Group("/api/auth/passkey", s.RateLimit("passkey", ratelimit.ClassDefault))

	pk.GET("/generate-authenticate-options", s.BeginPasskeySignIn)
	pk.POST("/verify-authentication", s.FinishPasskeySignIn)

	user := pk.Group("", s.AuthRequired())
	{
		user.GET("/generate-register-options", s.BeginPasskeyRegistration)
		user.POST("/verify-registration", s.FinishPasskeyRegistration)
		user.GET("/list-user-passkeys", s.ListPasskeys)
		user.POST("/delete-passkey", s.DeletePasskey)
	}
}

func (s *Server) registerOrganizationRoutes() {
	org := s.engine.Group("/api/auth/organization",
		s.RateLimit("organization", ratelimit.ClassDefault),
		s.AuthRequired(),
	)

	org.POST("/create", s.CreateOrganization)
	org.POST("/check-slug", s.CheckSlug)
	org.GET("/list", s.ListOrganizations)
	org.GET("/get-full-organization", s.GetFullOrganization)
	org.POST("/delete", s.DeleteOrganization)
	org.POST("/set-active", s.SetActiveOrganization)
	org.GET("/get-active-member", s.GetActiveMember)

	org.GET("/list-members", s.ListMembers)
	org.POST("/remove-member", s.RemoveMember)
	org.POST("/update-member-role", s.UpdateMemberRole)
	org.POST("/leave", s.LeaveOrganization)

	org.POST("/invite-member", s.InviteMember)
	org.POST("/cancel-invitation", s.CancelInvitation)
	org.POST("/accept-invitation", s.AcceptInvitation)
	org.POST("/reject-invitation", s.RejectInvitation)
	org.GET("/get-invitation", s.GetInvitation)
	org.GET("/list-invitations", s.ListInvitations)
	org.GET("/list-user-invitations", s.ListUserInvitations)

	org.GET("/audit-logs", s.ActiveOrgRequired(), s.authorizeOrgAction(authorization.ActionViewAuditLog), s.ListAuditLogs)
}
