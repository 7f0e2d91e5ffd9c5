package settlement

import "go.uber.org/fx"

// Module provides the settlement service to the fx graph.
var Module = fx.Provide(NewService)
