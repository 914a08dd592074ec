package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/searchingfox/searchrun/internal/clock/system"
	"github.com/searchingfox/searchrun/internal/dispatch"
	"github.com/searchingfox/searchrun/internal/feed"
	"github.com/searchingfox/searchrun/internal/logging"
	"github.com/searchingfox/searchrun/internal/metrics"
	"github.com/searchingfox/searchrun/internal/schedule"
)

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Run the scheduled fan-out once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			metrics.Init()

			clk := system.New()
			hub := feed.NewHub(logger)
			defer hub.Close()

			runs, users, cleanup, err := buildStores(cmd.Context(), cfg, clk, hub)
			if err != nil {
				return err
			}
			defer cleanup()

			dispatcher := dispatch.New(dispatch.NewHTTPWorkerClient(cfg.Worker.BaseURL), logger)
			defer dispatcher.Wait()

			trigger := schedule.New(runs, users, dispatcher, clk, schedule.Config{
				ScheduledHoursOld: cfg.Schedule.HoursOld,
				InsertBatchSize:   cfg.Schedule.InsertBatchSize,
				PokeBatchSize:     cfg.Worker.PokeBatchSize,
			}, logger)

			summary, err := trigger.Fanout(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}
