// Package render writes kiln read-command output as json, yaml or a table.
//
// Without --format, a terminal gets a table and anything else gets json.
// --no-color only affects table output; the TUI keeps its own styling.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/kiln/cli/tui"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from the --format and --no-color flags.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	formatStr := c.String("format")
	format, err := ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if c.App != nil && c.App.Writer != nil {
		out = c.App.Writer
	}

	if format == "" {
		if f, ok := out.(*os.File); ok && isTTY(f) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}

	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color"),
		out:     out,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{
		format:  format,
		noColor: noColor,
		out:     out,
	}
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		return r.renderJSON(data)
	case FormatTable:
		return r.renderTable(data)
	case FormatYAML:
		return r.renderYAML(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI opens the interactive view for viewType.
func (r *Renderer) RenderTUI(viewType string, data any) error {
	if !tui.IsTUISupported(viewType) {
		return fmt.Errorf("--tui is not supported for %s", viewType)
	}
	return tui.Run(viewType, data)
}

// RenderRaw copies raw bytes (attempt logs) to the output unchanged,
// adding a trailing newline when missing. Format does not apply.
func (r *Renderer) RenderRaw(data []byte) error {
	if _, err := r.out.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_, err := io.WriteString(r.out, "\n")
		return err
	}
	return nil
}

// Format returns the selected output format.
func (r *Renderer) Format() Format {
	return r.format
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// renderTable prints a slice as one row per element and anything else
// as "key: value" lines. Fields tagged json:"-" are skipped, map keys are
// sorted, and nested values are summarized rather than expanded.
func (r *Renderer) renderTable(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)

	v := indirect(reflect.ValueOf(data))
	switch {
	case !v.IsValid():
		fmt.Fprintln(w, "(no results)")
	case v.Kind() == reflect.Slice || v.Kind() == reflect.Array:
		writeRows(w, v)
	case v.Kind() == reflect.Struct:
		for _, c := range columnsOf(v.Type()) {
			fmt.Fprintf(w, "%s:\t%s\n", c.name, cell(v.FieldByIndex(c.index)))
		}
	case v.Kind() == reflect.Map:
		for _, k := range sortedKeys(v) {
			fmt.Fprintf(w, "%v:\t%s\n", k.Interface(), cell(v.MapIndex(k)))
		}
	default:
		fmt.Fprintf(w, "%v\n", v.Interface())
	}
	return w.Flush()
}

func writeRows(w io.Writer, v reflect.Value) {
	if v.Len() == 0 {
		fmt.Fprintln(w, "(no results)")
		return
	}

	elem := v.Type().Elem()
	for elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}
	if elem.Kind() != reflect.Struct {
		for i := range v.Len() {
			fmt.Fprintln(w, cell(v.Index(i)))
		}
		return
	}

	cols := columnsOf(elem)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = strings.ToUpper(c.name)
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))

	row := make([]string, len(cols))
	for i := range v.Len() {
		item := indirect(v.Index(i))
		for j, c := range cols {
			row[j] = ""
			if item.IsValid() {
				row[j] = cell(item.FieldByIndex(c.index))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
}

type column struct {
	name  string
	index []int
}

var columnCache sync.Map // reflect.Type -> []column

// columnsOf lists the exported fields of t under their json names.
func columnsOf(t reflect.Type) []column {
	if cached, ok := columnCache.Load(t); ok {
		return cached.([]column)
	}
	var cols []column
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		cols = append(cols, column{name: name, index: f.Index})
	}
	columnCache.Store(t, cols)
	return cols
}

// maxInline is the number of scalar elements printed before a slice or
// map is summarized as a count.
const maxInline = 4

var (
	durationType = reflect.TypeFor[time.Duration]()
	timeType     = reflect.TypeFor[time.Time]()
)

// cell formats one value for a table cell.
func cell(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() {
		return ""
	}
	switch v.Type() {
	case durationType:
		return time.Duration(v.Int()).String()
	case timeType:
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return ""
		}
		return t.Format(time.RFC3339)
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("<%d bytes>", v.Len())
		}
		if v.Len() == 0 {
			return "[]"
		}
		if v.Len() > maxInline || !scalar(v.Type().Elem()) {
			return fmt.Sprintf("[%d items]", v.Len())
		}
		parts := make([]string, v.Len())
		for i := range v.Len() {
			parts[i] = cell(v.Index(i))
		}
		return strings.Join(parts, ", ")
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		if v.Len() > maxInline || !scalar(v.Type().Elem()) {
			return fmt.Sprintf("{%d keys}", v.Len())
		}
		parts := make([]string, 0, v.Len())
		for _, k := range sortedKeys(v) {
			parts = append(parts, fmt.Sprintf("%v=%s", k.Interface(), cell(v.MapIndex(k))))
		}
		return strings.Join(parts, ", ")
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

func scalar(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Pointer, reflect.Interface:
		return false
	}
	return true
}

func sortedKeys(v reflect.Value) []reflect.Value {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	return keys
}

// indirect follows pointers and interfaces; nil yields the zero Value.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// isTTY returns true if the writer is a TTY.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
