package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/observe"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/internal/tool/export"
	"github.com/MrWong99/procagent/pkg/types"
)

// runTool decodes the model's arguments for call and dispatches it. Arguments
// that are not valid JSON get one repair attempt; if that fails too the
// registry reports the validation error.
func (a *Agent) runTool(ctx context.Context, call types.ToolCall) tool.Result {
	args, err := decodeArguments(call.Arguments)
	if err != nil {
		observe.Logger(ctx).Debug("tool arguments not repairable", "tool", call.Name, "err", err)
		return a.registry.DispatchJSON(ctx, call.Name, call.Arguments)
	}

	if call.Name == export.Name {
		args = a.cache.prepareExport(args)
	}

	res := a.registry.Dispatch(ctx, call.Name, args)
	if res.Success && call.Name != export.Name {
		a.cache.Store(call.Name, res.Value)
	}
	return res
}

func decodeArguments(raw string) (map[string]any, error) {
	args, err := tool.DecodeArguments(raw)
	if err == nil {
		return args, nil
	}
	fixed, rerr := jsonrepair.JSONRepair(raw)
	if rerr != nil {
		return nil, fmt.Errorf("repair arguments: %w", rerr)
	}
	return tool.DecodeArguments(fixed)
}

// FormatResult renders a dispatch result as the content of the tool message
// returned to the model.
func FormatResult(name string, res tool.Result) string {
	if !res.Success {
		return fmt.Sprintf("Error executing %s: %s", name, res.Error)
	}
	switch v := res.Value.(type) {
	case nil:
		return "No results found."
	case string:
		if v == "" {
			return "No results found."
		}
		return v
	case []map[string]any:
		if len(v) == 0 {
			return "No results found."
		}
	case db.RowSet:
		if v.Len() == 0 {
			return "No results found."
		}
	}
	b, err := json.MarshalIndent(res.Value, "", "  ")
	if err != nil {
		return fmt.Sprint(res.Value)
	}
	if s := string(b); s == "[]" || s == "{}" || s == "null" {
		return "No results found."
	}
	return string(b)
}
