package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/storewise/charging/internal/billingledger"
	"github.com/storewise/charging/internal/cdr"
	"github.com/storewise/charging/internal/charging"
	"github.com/storewise/charging/internal/clock"
	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/database"
	"github.com/storewise/charging/internal/docstore"
	"github.com/storewise/charging/internal/invoice"
	"github.com/storewise/charging/internal/logger"
	"github.com/storewise/charging/internal/notify"
	orderrepo "github.com/storewise/charging/internal/ordering/repository"
	"github.com/storewise/charging/internal/ordering/upstream"
	"github.com/storewise/charging/internal/organization"
	"github.com/storewise/charging/internal/payment"
	"github.com/storewise/charging/internal/payout"
	"github.com/storewise/charging/internal/scheduler"
	"github.com/storewise/charging/internal/server"
	"github.com/storewise/charging/internal/settlement"
	"github.com/storewise/charging/internal/telemetry"
	"github.com/storewise/charging/internal/usage"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		telemetry.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		database.Module,
		docstore.Module,

		organization.Module,
		orderrepo.Module,
		upstream.Module,
		usage.Module,
		settlement.Module,
		billingledger.Module,
		invoice.Module,
		payment.Module,
		cdr.Module,
		notify.Module,
		charging.Module,
		payout.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
