package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/config"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/orchestrator"
	"github.com/srg/biorec/internal/record"
	"github.com/srg/biorec/internal/signer"
	"github.com/srg/biorec/internal/sink"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record once from a single sensor",
	Long: `Connect to the first sensor advertising a name with --prefix, record for
--duration and write the recording as CSV into --out.

The signing key of the sensor class is taken from --key, or from the keys
section of --config.`,
	Example: `  biorec record --id rat-7 --prefix ECG-7 --class inrat --duration 30s --key 000102...0f`,
	RunE:    runRecord,
}

var (
	recordID         string
	recordPrefix     string
	recordClass      string
	recordDuration   time.Duration
	recordKey        string
	recordConfigPath string
	recordOut        string
	recordTimeout    time.Duration
)

func init() {
	recordCmd.Flags().StringVar(&recordID, "id", "", "Sensor id used in file names (defaults to the prefix)")
	recordCmd.Flags().StringVarP(&recordPrefix, "prefix", "p", "", "Advertised name prefix of the sensor")
	recordCmd.Flags().StringVarP(&recordClass, "class", "c", "", "Sensor class (emgsens, inrat)")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 30*time.Second, "Recording duration")
	recordCmd.Flags().StringVar(&recordKey, "key", "", "Hex encoded signing key of the sensor class")
	recordCmd.Flags().StringVar(&recordConfigPath, "config", "", "Configuration file supplying keys and timeouts")
	recordCmd.Flags().StringVarP(&recordOut, "out", "o", ".", "Output directory")
	recordCmd.Flags().DurationVar(&recordTimeout, "connect-timeout", 0, "Discovery and connect timeout (default from config)")
	_ = recordCmd.MarkFlagRequired("prefix")
	_ = recordCmd.MarkFlagRequired("class")
}

func runRecord(cmd *cobra.Command, args []string) error {
	class, err := codec.ParseClass(recordClass)
	if err != nil {
		return err
	}
	id := recordID
	if id == "" {
		id = recordPrefix
	}
	dev, err := device.NewIdentity(id, recordPrefix, class)
	if err != nil {
		return err
	}
	if recordDuration <= 0 {
		return fmt.Errorf("invalid duration %v: must be positive", recordDuration)
	}

	cfg := config.DefaultConfig()
	if recordConfigPath != "" {
		if cfg, err = config.Load(recordConfigPath); err != nil {
			return err
		}
	}
	signers, err := cfg.Signers()
	if err != nil {
		return err
	}
	if recordKey != "" {
		key, err := signer.ParseKey(recordKey)
		if err != nil {
			return err
		}
		s, err := signer.New(key)
		if err != nil {
			return err
		}
		signers[class] = s
	}
	if signers[class] == nil {
		return fmt.Errorf("no signing key for %v sensors: use --key or --config", class)
	}

	logger, err := configureLogger(cmd, logrus.WarnLevel)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	transport, err := transportFor(cmd, cfg.Transport, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ocfg := cfg.OrchestratorConfig()
	ocfg.Workers = 1
	if recordTimeout > 0 {
		ocfg.ConnectTimeout = recordTimeout
	}
	orch := orchestrator.New(ocfg, transport, signers, &sink.Factory{Dir: recordOut, Logger: logger}, logger)
	orch.Start(ctx)

	task := record.NewTask("", dev, time.Now(), recordDuration, nil)
	if err := orch.Submit(task); err != nil {
		return err
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Recording %s", dev.ID), "Recording", recordDuration)
	progress.Start()
	res := awaitResult(ctx, orch, task.ID)
	progress.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ocfg.TeardownTimeout+time.Second)
	defer cancel()
	_ = orch.Shutdown(shutdownCtx)

	printResult(cmd.OutOrStdout(), res)
	if res.Status != record.StatusOk {
		if res.Err != nil {
			return fmt.Errorf("%w: %w", ErrRecordingFailed, res.Err)
		}
		return ErrRecordingFailed
	}
	return nil
}

// awaitResult returns the result of taskID. Cancelling ctx stops the task
// and still waits for its Cancelled result.
func awaitResult(ctx context.Context, orch *orchestrator.Orchestrator, taskID string) record.Result {
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			for _, id := range orch.Active() {
				orch.Stop(id)
			}
		case r, ok := <-orch.Results():
			if !ok {
				return record.Result{TaskID: taskID, Status: record.StatusCancelled, Message: "orchestrator closed"}
			}
			if r.TaskID == taskID {
				return r
			}
		}
	}
}

func statusColor(s record.Status) func(format string, a ...interface{}) string {
	switch s {
	case record.StatusOk:
		return color.GreenString
	case record.StatusCancelled:
		return color.YellowString
	default:
		return color.RedString
	}
}

func printResult(out io.Writer, r record.Result) {
	fmt.Fprintf(out, "%s  %s  started %s  duration %s\n",
		statusColor(r.Status)("%-9s", r.Status), r.DeviceID,
		r.Start.Format(time.RFC3339), r.Duration.Truncate(time.Millisecond))
	if r.Handle != "" {
		fmt.Fprintf(out, "  file: %s\n", r.Handle)
	}
	if r.Message != "" {
		fmt.Fprintf(out, "  reason: %s\n", r.Message)
	}
}
