package lp

import (
	"go.uber.org/fx"
)

var Module = fx.Module("lp-handler",
	fx.Provide(NewLPHandler),
)
