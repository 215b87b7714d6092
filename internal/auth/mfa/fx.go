package mfa

import "go.uber.org/fx"

var Module = fx.Module("auth.mfa",
	fx.Provide(NewService),
)
