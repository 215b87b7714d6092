package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SignInMethodPassword  = "password"
	SignInMethodPasskey   = "passkey"
	SignInMethodSocial    = "social"
	SignInMethodMagicLink = "magic_link"
	SignInMethodEmailOTP  = "email_otp"
	SignInMethodTwoFactor = "two_factor"
)

const (
	SignInOutcomeSuccess           = "success"
	SignInOutcomeFailure           = "failure"
	SignInOutcomeTwoFactorRequired = "two_factor_required"
)

// AuthMetrics captures authentication and authorization decisions.
type AuthMetrics struct {
	signIns          *prometheus.CounterVec
	mfaTransitions   *prometheus.CounterVec
	invitations      *prometheus.CounterVec
	authzDecisions   *prometheus.CounterVec
	tokenRejections  *prometheus.CounterVec
	passwordHashTime prometheus.Observer
}

var (
	authMetricsOnce sync.Once
	authMetrics     *AuthMetrics
)

// Auth returns the singleton auth metrics registry.
func Auth() *AuthMetrics {
	return AuthWithConfig(Config{})
}

// AuthWithConfig returns the singleton auth metrics registry using config labels.
func AuthWithConfig(cfg Config) *AuthMetrics {
	authMetricsOnce.Do(func() {
		authMetrics = newAuthMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return authMetrics
}

func newAuthMetrics(registerer prometheus.Registerer, cfg Config) *AuthMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "workspace"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &AuthMetrics{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workspace_auth_sign_in_total",
			Help:        "Sign-in attempts by method and outcome.",
			ConstLabels: constLabels,
		}, []string{"method", "outcome"}),
		mfaTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workspace_auth_mfa_transitions_total",
			Help:        "Two-factor enrollment state transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workspace_invitations_total",
			Help:        "Invitation lifecycle events.",
			ConstLabels: constLabels,
		}, []string{"event"}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workspace_authz_decisions_total",
			Help:        "Organization authorization decisions by action.",
			ConstLabels: constLabels,
		}, []string{"action", "decision"}),
		tokenRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workspace_auth_token_rejections_total",
			Help:        "Rejected one-time tokens by purpose.",
			ConstLabels: constLabels,
		}, []string{"purpose"}),
	}
	hashTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "workspace_auth_password_hash_seconds",
		Help:        "Password hash and verify latency.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		ConstLabels: constLabels,
	})
	m.passwordHashTime = hashTime

	registerer.MustRegister(
		m.signIns,
		m.mfaTransitions,
		m.invitations,
		m.authzDecisions,
		m.tokenRejections,
		hashTime,
	)
	return m
}

func (m *AuthMetrics) RecordSignIn(method, outcome string) {
	if m == nil {
		return
	}
	m.signIns.WithLabelValues(method, outcome).Inc()
}

func (m *AuthMetrics) RecordMFATransition(from, to string) {
	if m == nil {
		return
	}
	m.mfaTransitions.WithLabelValues(from, to).Inc()
}

func (m *AuthMetrics) RecordInvitation(event string) {
	if m == nil {
		return
	}
	m.invitations.WithLabelValues(event).Inc()
}

func (m *AuthMetrics) RecordAuthzDecision(action string, allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.authzDecisions.WithLabelValues(action, decision).Inc()
}

func (m *AuthMetrics) RecordTokenRejected(purpose string) {
	if m == nil {
		return
	}
	m.tokenRejections.WithLabelValues(purpose).Inc()
}

func (m *AuthMetrics) ObservePasswordHash(seconds float64) {
	if m == nil {
		return
	}
	m.passwordHashTime.Observe(seconds)
}
