package organization

import (
	"github.com/smallbiznis/workspace/internal/organization/event"
	"github.com/smallbiznis/workspace/internal/organization/repository"
	"github.com/smallbiznis/workspace/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(event.NewOutboxPublisher),
	fx.Provide(service.NewService),
)
