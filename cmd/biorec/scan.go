package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/biorec/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for advertising sensors",
	Long: `Scan for biosignal sensors in the vicinity and list their names,
addresses and signal strength. Use --prefix to restrict the scan to the
name prefix of one sensor family, e.g. "EMG-".`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanPrefix    string
	scanFormat    string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanPrefix, "prefix", "p", "", "Only list sensors whose name starts with this prefix")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show sensors with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide sensors with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %v: must be positive", scanDuration)
	}

	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, err := transportFor(cmd, "", logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for sensors", "Scanning", scanDuration, "Processing results")
	progress.Start()
	defer progress.Stop()

	s := scanner.NewScanner(transport, logger)
	sightings, err := s.Scan(ctx, &scanner.ScanOptions{
		Duration:  scanDuration,
		Prefix:    scanPrefix,
		AllowList: scanAllowList,
		BlockList: scanBlockList,
	}, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	progress.Stop()

	if scanFormat == "json" {
		return displaySightingsJSON(out, sightings)
	}
	return displaySightingsTable(out, sightings)
}

func displaySightingsTable(out io.Writer, sightings []scanner.Sighting) error {
	if len(sightings) == 0 {
		fmt.Fprintln(out, "No sensors discovered")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSEEN\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, s := range sightings {
		name := s.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		lastSeen := time.Since(s.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%d\t%s ago\n", name, s.Address, s.RSSI, s.Count, lastSeen)
	}
	return w.Flush()
}

func displaySightingsJSON(out io.Writer, sightings []scanner.Sighting) error {
	type entry struct {
		Name      string    `json:"name"`
		Address   string    `json:"address"`
		RSSI      int       `json:"rssi"`
		Count     int       `json:"count"`
		FirstSeen time.Time `json:"first_seen"`
		LastSeen  time.Time `json:"last_seen"`
	}
	entries := make([]entry, 0, len(sightings))
	for _, s := range sightings {
		entries = append(entries, entry{s.Name, s.Address, s.RSSI, s.Count, s.FirstSeen, s.LastSeen})
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}
