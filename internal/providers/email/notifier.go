package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/smallbiznis/workspace/internal/observability/metrics"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

// Template names.
const (
	TemplateWelcome       = "welcome"
	TemplateResetPassword = "reset_password"
	TemplateVerifyEmail   = "verify_email"
	TemplateOTP           = "otp"
	TemplateMagicLink     = "magic_link"
	TemplateInvitation    = "invitation"
)

var subjects = map[string]string{
	TemplateWelcome:       "Welcome to %s",
	TemplateResetPassword: "Reset your %s password",
	TemplateVerifyEmail:   "Verify your email for %s",
	TemplateOTP:           "Your %s verification code",
	TemplateMagicLink:     "Sign in to %s",
	TemplateInvitation:    "You're invited to join a team on %s",
}

const sendTimeout = 15 * time.Second

// Notifier renders templates and hands them to a Provider. Delivery runs off
// the caller's path; failures are logged and counted, never returned.
type Notifier struct {
	provider  Provider
	templates *template.Template
	appName   string
	log       *zap.Logger
	metrics   *metrics.Metrics
	inflight  sync.WaitGroup
}

func NewNotifier(provider Provider, appName string, log *zap.Logger, m *metrics.Metrics) (*Notifier, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	if appName == "" {
		appName = "Workspace"
	}
	return &Notifier{
		provider:  provider,
		templates: tmpl,
		appName:   appName,
		log:       log.Named("email.notifier"),
		metrics:   m,
	}, nil
}

// Send renders name with data and delivers it to a single recipient in the
// background. It returns as soon as the message is rendered.
func (n *Notifier) Send(ctx context.Context, to string, name string, data map[string]any) {
	if n == nil {
		return
	}
	subject, body, err := n.render(name, data)
	if err != nil {
		n.failed(ctx, name, err)
		return
	}

	// Delivery must outlive the request but stay bounded.
	base := context.WithoutCancel(ctx)
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		sendCtx, cancel := context.WithTimeout(base, sendTimeout)
		defer cancel()
		if err := n.provider.Send(sendCtx, []string{to}, subject, body); err != nil {
			n.failed(base, name, err)
		}
	}()
}

// Wait blocks until every queued delivery has finished or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) failed(ctx context.Context, name string, err error) {
	n.log.Warn("email delivery failed",
		zap.String("template", name),
		zap.Error(err),
	)
	if n.metrics != nil {
		n.metrics.RecordEmailFailure(ctx, name)
	}
}

func (n *Notifier) render(name string, data map[string]any) (string, string, error) {
	if data == nil {
		data = map[string]any{}
	}
	data["AppName"] = n.appName

	var body bytes.Buffer
	if err := n.templates.ExecuteTemplate(&body, name+".html", data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", name, err)
	}

	subject := n.appName
	if format, ok := subjects[name]; ok {
		subject = fmt.Sprintf(format, n.appName)
	}
	return subject, body.String(), nil
}
