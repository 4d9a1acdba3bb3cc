package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/procagent/internal/tool"
)

const dateLayout = "2006-01-02"

// DateTime returns the get_datetime_info tool using now as its clock.
func DateTime(now func() time.Time) tool.Tool {
	return &tool.Func{
		Def: tool.Spec{
			Name:        NameDateTime,
			Description: "Get the current date and time, or the number of days between two dates.",
			Parameters: []tool.ParameterSpec{
				{
					Name:        "action",
					Type:        tool.ParamString,
					Description: "The action to perform",
					Required:    true,
					Enum:        []string{"current", "days_between"},
				},
				{Name: "date1", Type: tool.ParamString, Description: "First date in YYYY-MM-DD format"},
				{Name: "date2", Type: tool.ParamString, Description: "Second date in YYYY-MM-DD format"},
			},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			action, _ := tool.String(args, "action")
			if action == "current" {
				t := now()
				return map[string]any{
					"current_datetime": t.Format(time.RFC3339),
					"current_date":     t.Format(dateLayout),
					"current_time":     t.Format(time.TimeOnly),
					"weekday":          t.Weekday().String(),
				}, nil
			}

			s1, ok1 := tool.String(args, "date1")
			s2, ok2 := tool.String(args, "date2")
			if !ok1 || !ok2 {
				return nil, errors.New("days_between requires date1 and date2")
			}
			d1, err := parseDate(s1)
			if err != nil {
				return nil, fmt.Errorf("date1: %w", err)
			}
			d2, err := parseDate(s2)
			if err != nil {
				return nil, fmt.Errorf("date2: %w", err)
			}
			return map[string]any{
				"date1":        s1,
				"date2":        s2,
				"days_between": int64(d2.Sub(d1).Hours() / 24),
			}, nil
		},
	}
}

// parseDate accepts YYYY-MM-DD or a full RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
