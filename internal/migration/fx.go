package migration

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node, clk clock.Clock, log *zap.Logger) error {
		if err := Migrate(conn, strings.ToLower(cfg.DBType)); err != nil {
			return err
		}

		if cfg.IsProduction() || cfg.Bootstrap.AdminEmail == "" {
			return nil
		}
		if err := seed.EnsureBootstrapAdmin(context.Background(), conn, node, clk, cfg.Bootstrap); err != nil {
			return err
		}
		log.Info("bootstrap admin ensured", zap.String("organization", cfg.Bootstrap.OrgName))
		return nil
	}),
)
