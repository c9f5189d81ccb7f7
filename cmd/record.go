package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Zerofisher/bandrec/collector"
	"github.com/Zerofisher/bandrec/device"
	"github.com/Zerofisher/bandrec/events"
	"github.com/Zerofisher/bandrec/storage"
	"github.com/Zerofisher/bandrec/tracing"
)

// record command flags
var (
	recordSimulate bool
	recordDevice   string
	recordDuration time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a session from a FRENZ brainband",
	Long: `Connect to a band and record all raw and score streams into a new
session directory until interrupted (Ctrl+C) or the optional duration elapses.

While recording, type a line to mark an event. Prefix with a category:

  stimulus: tone played
  response: pressed button
  feeling drowsy              (defaults to category "subjective")`,
	Example: `  bandrec record --simulate
  bandrec record --simulate -d 1m
  bandrec record --device FRENZ-A12 --data-dir /srv/recordings`,
	Args:    cobra.NoArgs,
	GroupID: "recording",
	RunE:    runRecord,
}

func init() {
	recordCmd.Flags().BoolVarP(&recordSimulate, "simulate", "s", false,
		"Use the built-in simulated band instead of real hardware")
	recordCmd.Flags().StringVar(&recordDevice, "device", "",
		"Device id to record from (default from FRENZ_ID)")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0,
		"Stop automatically after this long (0 = until interrupted)")
}

// newTransport selects the device transport. The real vendor toolkit runs out
// of process; this build ships the simulator only.
func newTransport(simulate bool) (device.Dialer, device.Scanner, error) {
	if simulate {
		sim := &device.SimDialer{}
		return sim, sim, nil
	}
	return nil, nil, fmt.Errorf("no vendor toolkit transport in this build, use --simulate")
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	deviceID := recordDevice
	if deviceID == "" {
		deviceID = cfg.DeviceID
	}
	if deviceID == "" && recordSimulate {
		deviceID = "FRENZ-SIM-001"
	}
	if deviceID == "" {
		return fmt.Errorf("no device id: pass --device, set FRENZ_ID, or use --simulate")
	}

	log := newLogger(cfg)
	defer log.Sync()

	ctx := cmd.Context()
	if err := tracing.Init(ctx); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	defer tracing.Shutdown(context.Background())

	dialer, scanner, err := newTransport(recordSimulate)
	if err != nil {
		return err
	}

	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	sup := device.NewSupervisor(dialer, scanner, device.Options{
		ConnectTimeout:    cfg.ConnectTimeout,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
	}, log)
	st := storage.New(storage.Options{
		DataDir:           cfg.DataDir,
		BufferCeiling:     cfg.BufferCeiling,
		AutoFlushInterval: cfg.AutoFlushInterval,
	}, log)
	col := collector.New(sup, st, cat, collector.Options{
		ProductKey:   cfg.ProductKey,
		PollInterval: cfg.PollInterval,
		StopGrace:    cfg.StopGrace,
	}, log)

	fmt.Printf("Connecting to %s...\n", deviceID)
	if err := col.Start(ctx, deviceID); err != nil {
		return err
	}

	fmt.Printf("Recording to %s. Type to mark events, Ctrl+C to stop.\n", st.SessionDir())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var durationCh <-chan time.Time
	if recordDuration > 0 {
		durationCh = time.After(recordDuration)
	}

	go readEventMarks(col)

	status := time.NewTicker(10 * time.Second)
	defer status.Stop()

loop:
	for {
		select {
		case <-sigCh:
			fmt.Println("\nStopping...")
			break loop
		case <-durationCh:
			fmt.Println("Duration elapsed, stopping...")
			break loop
		case <-status.C:
			printStatus(col.Stats())
			if !col.Recording() {
				break loop
			}
		}
	}

	sum, err := col.Stop()
	if sum != nil {
		printSummary(sum)
	}
	return err
}

// readEventMarks turns stdin lines into session annotations until stdin
// closes or the recording ends.
func readEventMarks(col *collector.Collector) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		category := events.CategorySubjective
		description := line
		if head, rest, ok := strings.Cut(line, ":"); ok {
			c := events.Category(strings.TrimSpace(strings.ToLower(head)))
			if c.Valid() {
				category = c
				description = strings.TrimSpace(rest)
			}
		}

		ev, err := col.RecordEvent(description, category)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Event not recorded: %v\n", err)
			continue
		}
		fmt.Printf("Event marked [%s] %q at +%.1fs\n", ev.Category, ev.Description, ev.Offset)
	}
}

func printStatus(st collector.Stats) {
	fmt.Printf("[%s] %s | %d samples (%.0f/s) | %d events | %d buffered\n",
		st.Duration.Truncate(time.Second),
		st.Connection.State,
		st.SamplesCollected,
		st.CollectionRate,
		st.EventCount,
		st.Storage.BufferedSamples)
}

func printSummary(sum *storage.Summary) {
	fmt.Println("\nSession finalized:")
	fmt.Printf("  Session:  %s\n", sum.SessionID)
	fmt.Printf("  Duration: %.1fs\n", sum.DurationSeconds)
	fmt.Printf("  Samples:  %d\n", sum.TotalSamples)
	fmt.Printf("  Size:     %.1f KB\n", float64(sum.FileSizeBytes)/1024)
	fmt.Printf("  Path:     %s\n", sum.DataPath)
	if sum.FlushErrors > 0 {
		fmt.Printf("  Flush errors: %d\n", sum.FlushErrors)
	}
}
