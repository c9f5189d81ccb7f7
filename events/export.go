package events

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// LoadFile reads the durable events file of a session directory and returns
// the ordered event list.
func LoadFile(path string) ([]Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}
	var doc eventsDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse events file: %w", err)
	}
	return doc.Events, nil
}

// ExportCSV writes events as CSV with a header row.
func ExportCSV(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "offset_seconds", "category", "description", "session_id"}); err != nil {
		return err
	}
	for _, ev := range events {
		rec := []string{
			ev.Timestamp.Format(time.RFC3339Nano),
			strconv.FormatFloat(ev.Offset, 'f', 3, 64),
			string(ev.Category),
			ev.Description,
			ev.SessionID,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
