// Package export provides the ExportToExcel tool, which writes rows the model
// already holds to an .xlsx workbook and returns a download link for it.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/tool"
)

// Name is the registered tool name.
const Name = "ExportToExcel"

// Parameter names.
const (
	ParamData      = "data"
	ParamFilename  = "filename"
	ParamSheetName = "sheet_name"
)

// ContentType is the media type of the exported workbooks.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	defaultSheet = "Sheet1"
	extension    = ".xlsx"
	// maxSheetName is Excel's limit on worksheet name length.
	maxSheetName = 31
)

var (
	// ErrNoData is returned when there is nothing to export.
	ErrNoData = errors.New("no data provided to export")

	// ErrInvalidFilename is returned by [Exporter.Path] for names that could
	// escape the export directory.
	ErrInvalidFilename = errors.New("invalid export filename")
)

var (
	unsafeFileChars  = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
	unsafeSheetChars = regexp.MustCompile(`[\[\]:*?/\\]`)
)

// Config configures an [Exporter].
type Config struct {
	// Dir receives the workbooks. Created on demand.
	Dir string

	// BaseURL is the public base of the HTTP API; download links point at
	// {BaseURL}/download/{file}.
	BaseURL string

	// Now overrides the clock used for default filenames.
	Now func() time.Time
}

// Exporter is the ExportToExcel tool.
type Exporter struct {
	dir     string
	baseURL string
	now     func() time.Time
}

var _ tool.Tool = (*Exporter)(nil)

// New returns an Exporter writing into cfg.Dir.
func New(cfg Config) (*Exporter, error) {
	if cfg.Dir == "" {
		cfg.Dir = "exports"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Exporter{
		dir:     cfg.Dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		now:     cfg.Now,
	}, nil
}

// Dir returns the export directory.
func (e *Exporter) Dir() string { return e.dir }

// Spec implements [tool.Tool]. The data parameter is a JSON-encoded array of
// objects; the registry's parameter types are scalars only.
func (e *Exporter) Spec() tool.Spec {
	return tool.Spec{
		Name: Name,
		Description: "Export data you already have to an Excel file. Use this to save results from a previous " +
			"tool call to Excel. Pass the records as a JSON array of objects in the data parameter. " +
			"DO NOT use this to execute new queries, only to export existing data.",
		Parameters: []tool.ParameterSpec{
			{
				Name:        ParamData,
				Type:        tool.ParamString,
				Description: "JSON array of records to export, e.g. [{\"Name\":\"John\",\"Count\":5}]. Each object should have consistent keys.",
			},
			{Name: ParamFilename, Type: tool.ParamString, Description: "Name for the Excel file (without extension)"},
			{Name: ParamSheetName, Type: tool.ParamString, Description: "Name for the worksheet in the Excel file"},
		},
	}
}

// Execute implements [tool.Tool].
func (e *Exporter) Execute(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := tool.String(args, ParamData)
	columns, rows, err := DecodeRows(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, _ := tool.String(args, ParamFilename)
	name = sanitizeFilename(name)
	if name == "" {
		name = "export_" + e.now().Format("20060102_150405")
	}
	sheet, _ := tool.String(args, ParamSheetName)

	file := name + extension
	path := filepath.Join(e.dir, file)
	if err := WriteWorkbook(path, sanitizeSheet(sheet), columns, rows); err != nil {
		return nil, err
	}

	return map[string]any{
		"success":       true,
		"message":       "Data exported successfully to Excel. Download your file using the link below.",
		"download_url":  e.baseURL + "/download/" + file,
		"filename":      file,
		"file_path":     path,
		"rows_exported": len(rows),
		"columns":       columns,
	}, nil
}

// Path resolves a download request for file inside the export directory.
// Only plain .xlsx names are accepted.
func (e *Exporter) Path(file string) (string, error) {
	if file == "" || file != filepath.Base(file) || strings.HasPrefix(file, ".") ||
		!strings.EqualFold(filepath.Ext(file), extension) || unsafeFileChars.MatchString(file) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, file)
	}
	return filepath.Join(e.dir, file), nil
}

// WriteWorkbook writes rows to a new workbook at path with a bold header row.
// Cells missing from a row are left empty; nested values are written as JSON.
func WriteWorkbook(path, sheet string, columns []string, rows []map[string]any) error {
	f := excelize.NewFile()
	defer f.Close()

	if sheet == "" {
		sheet = defaultSheet
	}
	if sheet != defaultSheet {
		if err := f.SetSheetName(defaultSheet, sheet); err != nil {
			return fmt.Errorf("export: sheet name: %w", err)
		}
	}

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}
	if len(columns) > 0 {
		bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return fmt.Errorf("export: header style: %w", err)
		}
		if err := f.SetRowStyle(sheet, 1, 1, bold); err != nil {
			return fmt.Errorf("export: header style: %w", err)
		}
	}

	for i, row := range rows {
		cells := make([]any, len(columns))
		for j, c := range columns {
			cells[j] = cellValue(row[c])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("export: row %d: %w", i, err)
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("export: write row %d: %w", i, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("export: save %s: %w", path, err)
	}
	return nil
}

func cellValue(v any) any {
	switch v := v.(type) {
	case nil:
		return nil
	case string, bool, float64, int64, int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// DecodeRows decodes a JSON array of objects. Columns are returned in the
// order keys first appear across all rows. An empty string decodes to no
// rows.
func DecodeRows(raw string) (columns []string, rows []map[string]any, err error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool)
	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, nil, fmt.Errorf("export: row %d: %w", len(rows), err)
		}
		row := make(map[string]any)
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, nil, fmt.Errorf("export: row %d: %w", len(rows), err)
			}
			key, _ := tok.(string)
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, nil, fmt.Errorf("export: row %d %q: %w", len(rows), key, err)
			}
			row[key] = v
			if !seen[key] {
				seen[key] = true
				columns = append(columns, key)
			}
		}
		if _, err := dec.Token(); err != nil {
			return nil, nil, fmt.Errorf("export: row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("export: data: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, nil, errors.New("export: data: trailing content after array")
	}
	return columns, rows, nil
}

// EncodeRows is the inverse of [DecodeRows] for rows with a known column
// order; keys missing from a row are written as null.
func EncodeRows(columns []string, rows []map[string]any) (string, error) {
	b, err := json.Marshal(db.RowSet{Columns: columns, Rows: rows})
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return string(b), nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("export: data must be a JSON array of objects: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("export: data must be a JSON array of objects, got %v", tok)
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, extension)
	name = unsafeFileChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "._")
}

func sanitizeSheet(name string) string {
	name = strings.TrimSpace(unsafeSheetChars.ReplaceAllString(name, "_"))
	name = strings.Trim(name, "'")
	if r := []rune(name); len(r) > maxSheetName {
		name = string(r[:maxSheetName])
	}
	return name
}
