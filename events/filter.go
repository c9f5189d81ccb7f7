package events

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompileFilter compiles a filter expression over events, e.g.
//
//	category == "stimulus" && offset > 60
//
// Available fields: id, description, category, offset (seconds since session
// start), timestamp (unix seconds), session_id.
func CompileFilter(src string) (func(Event) bool, error) {
	program, err := expr.Compile(src, expr.Env(filterEnv(Event{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", src, err)
	}
	return func(ev Event) bool {
		out, err := vm.Run(program, filterEnv(ev))
		if err != nil {
			return false
		}
		ok, _ := out.(bool)
		return ok
	}, nil
}

func filterEnv(ev Event) map[string]any {
	return map[string]any{
		"id":          ev.ID,
		"description": ev.Description,
		"category":    string(ev.Category),
		"offset":      ev.Offset,
		"timestamp":   float64(ev.Timestamp.UnixNano()) / 1e9,
		"session_id":  ev.SessionID,
	}
}
