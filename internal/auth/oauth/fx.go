package oauth

import "go.uber.org/fx"

var Module = fx.Module("auth.oauth",
	fx.Provide(NewService),
)
