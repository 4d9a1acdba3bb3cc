package agent

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/internal/tool/export"
)

// ResultCache remembers the last row set returned by a tool so that an export
// request can use the complete data even when the model only passes along a
// sample of it.
type ResultCache struct {
	tool    string
	columns []string
	rows    []map[string]any
}

// NewResultCache returns an empty cache.
func NewResultCache() *ResultCache { return &ResultCache{} }

// Store replaces the cached rows when value is a row set. A [db.RowSet]
// keeps its column order; plain maps are cached with their keys sorted.
// Other values leave the cache untouched. It reports whether value was
// stored.
func (c *ResultCache) Store(toolName string, value any) bool {
	var (
		rows    []map[string]any
		columns []string
	)
	switch v := value.(type) {
	case db.RowSet:
		rows, columns = v.Rows, v.Columns
	case []map[string]any:
		rows, columns = v, columnsOf(v)
	default:
		return false
	}
	if len(rows) == 0 {
		return false
	}
	c.tool = toolName
	c.rows = rows
	c.columns = columns
	return true
}

// Tool returns the name of the tool whose rows are cached.
func (c *ResultCache) Tool() string { return c.tool }

// Rows returns the cached rows.
func (c *ResultCache) Rows() []map[string]any { return c.rows }

// Columns returns the cached column names in export order.
func (c *ResultCache) Columns() []string { return c.columns }

// Len returns the number of cached rows.
func (c *ResultCache) Len() int { return len(c.rows) }

// Clear empties the cache.
func (c *ResultCache) Clear() {
	c.tool = ""
	c.columns = nil
	c.rows = nil
}

// prepareExport rewrites the arguments of an export call. Array data is
// re-encoded as the JSON string the tool expects, and the cached rows replace
// data that is missing or shorter than the cache.
func (c *ResultCache) prepareExport(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}

	if v, ok := out[export.ParamData]; ok {
		if _, isString := v.(string); !isString && v != nil {
			if b, err := json.Marshal(v); err == nil {
				out[export.ParamData] = string(b)
			}
		}
	}

	if c.Len() == 0 {
		return out
	}
	raw, _ := tool.String(out, export.ParamData)
	_, given, err := export.DecodeRows(raw)
	if err == nil && len(given) >= c.Len() {
		return out
	}
	if encoded, err := export.EncodeRows(c.columns, c.rows); err == nil {
		out[export.ParamData] = encoded
	}
	return out
}

func columnsOf(rows []map[string]any) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	slices.SortFunc(cols, strings.Compare)
	return cols
}
