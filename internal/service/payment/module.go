package payment

import "go.uber.org/fx"

// Module provides the payment service to the fx graph.
var Module = fx.Provide(NewService)
