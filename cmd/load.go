package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pems-cli/internal/pipeline"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Reset the tables and load the files already staged under the data path",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("load"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		eng := pipeline.New(cfg, st, nil, nil)
		defer eng.Close() //nolint:errcheck

		report, err := eng.LoadStaged(ctx)
		formatReport(os.Stdout, report)
		if err != nil {
			return eris.Wrap(err, "load")
		}
		return nil
	},
}

var weatherCmd = &cobra.Command{
	Use:   "weather",
	Short: "Fetch hourly weather for the configured location and append it to the weather table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("weather"); err != nil {
			return err
		}
		ctx := cmd.Context()

		c, err := newWeatherClient(cfg)
		if err != nil {
			return err
		}
		if c == nil {
			return eris.New("weather: enrichment is disabled (weather.enabled = false)")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		eng := pipeline.New(cfg, st, nil, c)
		defer eng.Close() //nolint:errcheck

		report, err := eng.EnrichWeather(ctx)
		formatReport(os.Stdout, report)
		if err != nil {
			return eris.Wrap(err, "weather")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(weatherCmd)
}
