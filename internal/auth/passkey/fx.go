package passkey

import "go.uber.org/fx"

var Module = fx.Module("auth.passkey",
	fx.Provide(NewService),
)
