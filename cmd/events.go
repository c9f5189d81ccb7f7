package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Zerofisher/bandrec/events"
)

// events command flags
var (
	eventsFilter string
	eventsFormat string
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	Short:   "Inspect session annotations",
	GroupID: "sessions",
}

var eventsListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List the events of a session",
	Long: `List the annotations recorded during a session, optionally filtered
by an expression over the event fields (id, description, category, offset,
timestamp, session_id).`,
	Example: `  bandrec events list 20260824_143000
  bandrec events list 20260824_143000 --filter 'category == "stimulus"'
  bandrec events list 20260824_143000 --filter 'offset > 60' --format csv`,
	Args: cobra.ExactArgs(1),
	RunE: runEventsList,
}

func init() {
	eventsListCmd.Flags().StringVarP(&eventsFilter, "filter", "f", "",
		"Filter expression, e.g. 'category == \"response\" && offset > 10'")
	eventsListCmd.Flags().StringVarP(&eventsFormat, "format", "T", "text",
		"Output format: text, json, csv")

	eventsCmd.AddCommand(eventsListCmd)
}

func runEventsList(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.DataDir, sessionID, events.EventsFile)
	evs, err := events.LoadFile(path)
	if err != nil {
		return err
	}

	if eventsFilter != "" {
		match, err := events.CompileFilter(eventsFilter)
		if err != nil {
			return err
		}
		kept := evs[:0]
		for _, ev := range evs {
			if match(ev) {
				kept = append(kept, ev)
			}
		}
		evs = kept
	}

	switch eventsFormat {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(evs)
	case "csv":
		return events.ExportCSV(os.Stdout, evs)
	case "text", "":
		if len(evs) == 0 {
			fmt.Println("No events.")
			return nil
		}
		for _, ev := range evs {
			fmt.Printf("+%8.1fs  %-10s  %s\n", ev.Offset, ev.Category, ev.Description)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", eventsFormat)
	}
}
