package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zerofisher/bandrec/device"
)

var scanSimulate bool

var scanCmd = &cobra.Command{
	Use:     "scan",
	Short:   "Discover nearby FRENZ brainbands",
	Example: `  bandrec scan --simulate`,
	Args:    cobra.NoArgs,
	GroupID: "info",
	RunE:    runScan,
}

func init() {
	scanCmd.Flags().BoolVarP(&scanSimulate, "simulate", "s", false,
		"Use the built-in simulated band instead of real hardware")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newLogger(cfg)
	defer log.Sync()

	dialer, scanner, err := newTransport(scanSimulate)
	if err != nil {
		return err
	}

	sup := device.NewSupervisor(dialer, scanner, device.Options{
		ConnectTimeout: cfg.ConnectTimeout,
	}, log)

	fmt.Println("Scanning...")
	start := time.Now()
	devices, err := sup.Scan(cmd.Context())
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No bands found.")
		return nil
	}
	fmt.Printf("Found %d band(s) in %s:\n", len(devices), time.Since(start).Truncate(time.Millisecond))
	for _, d := range devices {
		fmt.Printf("  %-16s %-20s RSSI %d\n", d.ID, d.Name, d.RSSI)
	}
	return nil
}
