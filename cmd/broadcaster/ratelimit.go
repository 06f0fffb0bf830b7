package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/config"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
)

var ratelimitUsageDevices []string

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limit commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configured send quotas",
	RunE:  runRatelimitShow,
}

var ratelimitUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show persisted quota usage (stop the server first)",
	RunE:  runRatelimitUsage,
}

func init() {
	ratelimitUsageCmd.Flags().StringSliceVar(&ratelimitUsageDevices, "device", nil, "Device ids to show (default: devices with overrides)")

	ratelimitCmd.AddCommand(ratelimitShowCmd, ratelimitUsageCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	printRateLimits(os.Stdout, cfg.RateLimit)
	return nil
}

func printRateLimits(out io.Writer, rl config.RateLimitConfig) {
	fmt.Fprintln(out, "Rate Limiting Configuration")
	fmt.Fprintln(out, "===========================")
	fmt.Fprintf(out, "Enabled: %v\n\n", rl.Enabled)

	if !rl.Enabled {
		fmt.Fprintln(out, "Rate limiting is disabled")
		return
	}

	if rl.MessagesPerMinute > 0 {
		fmt.Fprintf(out, "Pacing: %d messages per minute per device\n\n", rl.MessagesPerMinute)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "-----\t-------------\t------------")
	limitRow(w, "Global", rl.Global)
	limitRow(w, "Per Device", rl.DefaultDevice)
	w.Flush()

	fmt.Fprintln(out, "\nPer-Device Overrides:")
	if len(rl.Devices) == 0 {
		fmt.Fprintln(out, "  None configured")
		return
	}

	ids := make([]string, 0, len(rl.Devices))
	for id := range rl.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "------\t-------------\t------------")
	for _, id := range ids {
		limitRow(w, id, rl.Devices[id])
	}
	w.Flush()
}

func limitRow(w io.Writer, label string, lc *ratelimit.LimitConfig) {
	if lc == nil {
		fmt.Fprintf(w, "%s\t-\t-\n", label)
		return
	}
	fmt.Fprintf(w, "%s\t%d\t%d\n", label, lc.MessagesPerHour, lc.MessagesPerDay)
}

func runRatelimitUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	limiter, err := ratelimit.NewLimiter(storage.DB(), cfg.RateLimit.Limiter())
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}
	defer limiter.Stop()

	devices := ratelimitUsageDevices
	if len(devices) == 0 {
		for id := range cfg.RateLimit.Devices {
			devices = append(devices, id)
		}
		sort.Strings(devices)
	}
	return printUsage(context.Background(), os.Stdout, limiter, devices)
}

func printUsage(ctx context.Context, out io.Writer, limiter *ratelimit.Limiter, devices []string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tKEY\tHOUR\tDAY")
	fmt.Fprintln(w, "-----\t---\t----\t---")

	row := func(level ratelimit.Level, key string) error {
		st, err := limiter.GetStats(ctx, level, key)
		if err != nil {
			return fmt.Errorf("failed to get %s stats: %w", level, err)
		}
		hour, day := "-", "-"
		if lc := limiter.Limits(level, key); lc != nil {
			hour = fmt.Sprintf("%d/%d", st.HourlyCount, lc.MessagesPerHour)
			day = fmt.Sprintf("%d/%d", st.DailyCount, lc.MessagesPerDay)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", level, truncateID(key), hour, day)
		return nil
	}

	if err := row(ratelimit.LevelGlobal, "global"); err != nil {
		return err
	}
	for _, id := range devices {
		if err := row(ratelimit.LevelDevice, id); err != nil {
			return err
		}
	}
	return w.Flush()
}
