package scheduler

import (
	"context"

	"github.com/smallbiznis/workspace/internal/config"
	obsmetrics "github.com/smallbiznis/workspace/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, metricsCfg obsmetrics.Config, sched *Scheduler) {
	if !cfg.Scheduler.Enabled {
		return
	}
	obsmetrics.SchedulerWithConfig(metricsCfg)

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
