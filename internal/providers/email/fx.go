package email

import (
	"context"

	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
	fx.Provide(newNotifier),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	if cfg.Email.Provider != "smtp" || cfg.Email.SMTP.Host == "" {
		return NewLogProvider(log)
	}
	return NewSMTP(Config{
		Host:     cfg.Email.SMTP.Host,
		Port:     cfg.Email.SMTP.Port,
		Username: cfg.Email.SMTP.Username,
		Password: cfg.Email.SMTP.Password,
		From:     cfg.Email.From,
	})
}

func newNotifier(lc fx.Lifecycle, cfg config.Config, provider Provider, log *zap.Logger, m *metrics.Metrics) (*Notifier, error) {
	n, err := NewNotifier(provider, cfg.AppName, log, m)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return n.Wait(ctx)
		},
	})
	return n, nil
}
