package auction

import "go.uber.org/fx"

// Module provides the auction repository to Fx.
var Module = fx.Provide(NewRepository)
