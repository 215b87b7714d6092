package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/migration"
	"github.com/smallbiznis/workspace/internal/observability"
	"github.com/smallbiznis/workspace/internal/scheduler"
	"github.com/smallbiznis/workspace/internal/server"
	"github.com/smallbiznis/workspace/pkg/db"
	"github.com/smallbiznis/workspace/pkg/redisclient"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisclient.Module,
		clock.Module,

		// schema must exist before the policy enforcer loads its rules
		migration.Module,
		server.Module,
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
