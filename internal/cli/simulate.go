package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"gold-monitor/internal/app"
	"gold-monitor/internal/source"
)

var (
	simulateSource string
	simulatePrices string
	simulateStep   time.Duration
	simulatePNG    string
	simulateCSV    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一组价格序列，输出会触发的告警（不访问网络，不推送）",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := source.ParseID(simulateSource)
		if err != nil {
			return err
		}
		prices, err := parsePrices(simulatePrices)
		if err != nil {
			return err
		}

		return getApp().Simulate(cmd.Context(), cmd.OutOrStdout(), app.SimulateOptions{
			Source:  id,
			Prices:  prices,
			Step:    simulateStep,
			PNGPath: simulatePNG,
			CSVPath: simulateCSV,
		})
	},
}

func parsePrices(raw string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := decimal.NewFromString(part)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", part, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("price %q must be greater than 0", part)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("--prices 不能为空")
	}
	return out, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "cmb", "Source whose name and unit label the series")
	simulateCmd.Flags().StringVar(&simulatePrices, "prices", "", "Comma separated price series, e.g. 650,651.2,648")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 5*time.Second, "Time between samples")
	simulateCmd.Flags().StringVar(&simulatePNG, "png", "", "Path to write a PNG chart of the series")
	simulateCmd.Flags().StringVar(&simulateCSV, "csv", "", "Path to write the series as CSV")
}
