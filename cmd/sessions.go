package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zerofisher/bandrec/catalog"
	"github.com/Zerofisher/bandrec/events"
	"github.com/Zerofisher/bandrec/storage"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Short:   "Browse recorded sessions",
	GroupID: "sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show details of one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false,
		"Output as JSON")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	entries, err := cat.List()
	if err != nil {
		return err
	}

	if sessionsJSON {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No sessions recorded yet.")
		return nil
	}
	fmt.Printf("%-17s %-20s %10s %10s %10s\n", "SESSION", "STARTED", "DURATION", "SAMPLES", "SIZE")
	for _, e := range entries {
		fmt.Printf("%-17s %-20s %9.0fs %10d %9.1fK\n",
			e.SessionID,
			e.StartTime.Format("2006-01-02 15:04:05"),
			e.DurationSeconds,
			e.TotalSamples,
			float64(e.FileSizeBytes)/1024)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	entry, err := cat.Get(sessionID)
	if err != nil {
		return err
	}
	sessionDir := filepath.Join(cfg.DataDir, sessionID)
	if entry == nil {
		// Not indexed; fall back to the session directory itself.
		if _, err := os.Stat(sessionDir); err != nil {
			return fmt.Errorf("session %q not found", sessionID)
		}
		entry = &catalog.Entry{SessionID: sessionID, DataPath: sessionDir}
	}

	// Per-stream counts come from the container, which also verifies that the
	// files on disk are intact.
	counts := entry.SampleCounts
	if r, err := storage.OpenReader(filepath.Join(sessionDir, storage.ContainerDirName)); err == nil {
		counts = make(map[string]int64)
		for _, sc := range r.Streams() {
			if n, err := r.Len(sc.Name); err == nil {
				counts[sc.Name] = n
			}
		}
	}

	eventCount := 0
	if evs, err := events.LoadFile(filepath.Join(sessionDir, events.EventsFile)); err == nil {
		eventCount = len(evs)
	}

	if sessionsJSON {
		return json.NewEncoder(os.Stdout).Encode(struct {
			*catalog.Entry
			StreamCounts map[string]int64 `json:"stream_counts,omitempty"`
			EventCount   int              `json:"event_count"`
		}{entry, counts, eventCount})
	}

	fmt.Printf("Session:  %s\n", entry.SessionID)
	if !entry.StartTime.IsZero() {
		fmt.Printf("Started:  %s\n", entry.StartTime.Format(time.RFC3339))
		fmt.Printf("Duration: %.1fs\n", entry.DurationSeconds)
	}
	fmt.Printf("Samples:  %d\n", entry.TotalSamples)
	fmt.Printf("Size:     %.1f KB\n", float64(entry.FileSizeBytes)/1024)
	fmt.Printf("Events:   %d\n", eventCount)
	fmt.Printf("Path:     %s\n", entry.DataPath)

	if len(counts) > 0 {
		fmt.Println("\nStreams:")
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-24s %d\n", name, counts[name])
		}
	}
	return nil
}
