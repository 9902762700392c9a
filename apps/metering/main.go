package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/config"
	"github.com/storelift/metering/internal/migration"
	"github.com/storelift/metering/internal/observability"
	"github.com/storelift/metering/internal/scheduler"
	"github.com/storelift/metering/internal/server"
	"github.com/storelift/metering/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP surface and the domain modules behind it
		server.Module,

		// Background jobs
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
