package email

import (
	"context"

	"go.uber.org/zap"
)

// Provider delivers a rendered message.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
}

// LogProvider is used when no transport is configured. It only logs the
// recipient and subject.
type LogProvider struct {
	log *zap.Logger
}

func NewLogProvider(log *zap.Logger) *LogProvider {
	return &LogProvider{log: log.Named("email.log")}
}

func (p *LogProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	p.log.Info("email suppressed, no provider configured",
		zap.Strings("to", to),
		zap.String("subject", subject),
	)
	return nil
}
