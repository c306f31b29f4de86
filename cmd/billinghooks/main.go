package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/migration"
	"github.com/prepflow/billinghooks/internal/observability"
	"github.com/prepflow/billinghooks/internal/server"
	"github.com/prepflow/billinghooks/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
