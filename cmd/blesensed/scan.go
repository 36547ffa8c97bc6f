package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srgg/blesense/internal/analyzer"
	"github.com/srgg/blesense/internal/fusion"
	"github.com/srgg/blesense/internal/source"
	"github.com/srgg/blesense/internal/store"
	"github.com/srgg/blesense/pkg/config"
	"github.com/srgg/blesense/scanner"
)

var (
	scanDuration time.Duration
	scanFormat   string
	scanDBPath   string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan cycle across all configured sources",
	Long: `Spawns one task per configured scan source, fuses their
observations by MAC address, and reports the resulting device tracks.

Real source transports (an HCI socket, a host Bluetooth API, a vendor
bridge) are wired in separately; without any configured driver this
command exercises the fusion pipeline against zero sources.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Overall scan duration (0 uses the config default)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVar(&scanDBPath, "db", "", "Path to the embedded store (empty uses the config default)")
}

func runScan(cmd *cobra.Command, args []string) error {
	validFormats := []string{"table", "json"}
	isValidFormat := false
	for _, f := range validFormats {
		if scanFormat == f {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("invalid format %q: must be one of %v", scanFormat, validFormats)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.LogLevel = logger.GetLevel()

	if scanDuration > 0 {
		cfg.Scan.OverallTimeoutMs = scanDuration.Milliseconds()
	}
	if scanDBPath != "" {
		cfg.Store.Path = scanDBPath
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()
	}

	// Real scan sources are external collaborators (HCI sockets, host
	// Bluetooth APIs, vendor bridges); none are wired here, so this drives
	// the fusion pipeline against zero drivers until one is configured.
	drivers := []source.Driver{}

	orch := scanner.New(cfg, drivers, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	summary, err := orch.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	return displaySummary(summary, scanFormat)
}

func displaySummary(summary scanner.Summary, format string) error {
	if format == "json" {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	return displaySummaryTable(summary)
}

func displaySummaryTable(summary scanner.Summary) error {
	devices := append([]fusion.Snapshot(nil), summary.Devices...)
	sort.Slice(devices, func(i, j int) bool { return devices[i].MAC < devices[j].MAC })

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "MAC\tNAME\tRSSI\tCONF\tTREND\tMOTION")
	for _, d := range devices {
		name := d.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			d.MAC, name, d.CurrentRSSI, confidenceColor(d.Confidence), trendColor(d.Trend), motionColor(d.Motion))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\naccepted %d/%d packets (%.1f%%)\n",
		summary.TrackerStats.TotalAccepted, summary.TrackerStats.TotalReceived,
		summary.TrackerStats.AcceptanceRate()*100)
	return nil
}

func confidenceColor(n int) string {
	s := fmt.Sprintf("%d", n)
	switch {
	case n >= 3:
		return color.GreenString(s)
	case n == 2:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func trendColor(t analyzer.Trend) string {
	switch t {
	case analyzer.TrendApproaching:
		return color.GreenString(t.String())
	case analyzer.TrendLeaving:
		return color.YellowString(t.String())
	default:
		return t.String()
	}
}

func motionColor(m analyzer.Motion) string {
	if m == analyzer.MotionMoving {
		return color.GreenString(m.String())
	}
	return m.String()
}
