// Command scheduler runs the maintenance loop without the HTTP server, for
// deployments that keep background work off the API replicas. Set
// SCHEDULER_ENABLED=false on the API process when running it.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/internal/audit"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/observability"
	"github.com/smallbiznis/workspace/internal/scheduler"
	"github.com/smallbiznis/workspace/pkg/db"
	"github.com/smallbiznis/workspace/pkg/redisclient"
	"go.uber.org/fx"
)

// Node 2 keeps snowflake IDs from colliding with the API process on node 1.
const snowflakeNode = 2

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisclient.Module,
		clock.Module,

		audit.Module,
		scheduler.Module,
		fx.Decorate(forceEnabled),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(snowflakeNode)
	if err != nil {
		panic(err)
	}
	return node
}

func forceEnabled(cfg config.Config) config.Config {
	cfg.Scheduler.Enabled = true
	return cfg
}
