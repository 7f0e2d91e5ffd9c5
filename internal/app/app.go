package app

import (
	"go.uber.org/fx"

	"github.com/gavelworks/gavel/internal/cache"
	"github.com/gavelworks/gavel/internal/cart"
	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/event"
	"github.com/gavelworks/gavel/internal/gateway"
	"github.com/gavelworks/gavel/internal/logger"
	"github.com/gavelworks/gavel/internal/lookup"
	"github.com/gavelworks/gavel/internal/messaging"
	"github.com/gavelworks/gavel/internal/observability"
	"github.com/gavelworks/gavel/internal/relay"
	repositoryauction "github.com/gavelworks/gavel/internal/repository/auction"
	repositoryorder "github.com/gavelworks/gavel/internal/repository/order"
	repositoryoutbox "github.com/gavelworks/gavel/internal/repository/outbox"
	repositorypayment "github.com/gavelworks/gavel/internal/repository/payment"
	repositorywallet "github.com/gavelworks/gavel/internal/repository/wallet"
	httpserver "github.com/gavelworks/gavel/internal/server/http"
	servicebidding "github.com/gavelworks/gavel/internal/service/bidding"
	servicepayment "github.com/gavelworks/gavel/internal/service/payment"
	servicesettlement "github.com/gavelworks/gavel/internal/service/settlement"
	servicewallet "github.com/gavelworks/gavel/internal/service/wallet"
	"github.com/gavelworks/gavel/internal/sweeper"
	"github.com/gavelworks/gavel/internal/worker"
	workerauction "github.com/gavelworks/gavel/internal/worker/auction"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	event.Module,
	gateway.Module,
	cart.Module,
	lookup.Module,
	repositoryauction.Module,
	repositoryorder.Module,
	repositoryoutbox.Module,
	repositorypayment.Module,
	repositorywallet.Module,
	servicebidding.Module,
	servicepayment.Module,
	servicesettlement.Module,
	servicewallet.Module,
)

// Service runs the transactional core: the operational HTTP endpoint plus the
// outbox relay and the time sweeps.
var Service = fx.Options(
	Core,
	httpserver.Module,
	relay.Module,
	sweeper.Module,
)

// Worker exposes background event consumption.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerauction.Module,
)

// Module is the default application wiring.
var Module = Service
