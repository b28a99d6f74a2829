package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var timeNow = time.Now

func render(w io.Writer, format string, m proto.Message) error {
	switch format {
	case "json":
		return renderJSON(w, m)
	case "text":
		return renderText(w, m)
	default:
		return fmt.Errorf("unknown format %q: want json or text", format)
	}
}

func renderJSON(w io.Writer, m proto.Message) error {
	if _, ok := m.(*emptypb.Empty); ok {
		_, err := fmt.Fprintln(w, `{"ok":true}`)
		return err
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func renderText(w io.Writer, m proto.Message) error {
	switch v := m.(type) {
	case *emptypb.Empty:
		_, err := fmt.Fprintln(w, "ok")
		return err
	case *wrapperspb.BoolValue:
		_, err := fmt.Fprintln(w, v.GetValue())
		return err
	case *structpb.Struct:
		_, err := fmt.Fprintln(w, pairs(v.AsMap()))
		return err
	case *structpb.ListValue:
		return table(w, v.AsSlice())
	default:
		return renderJSON(w, m)
	}
}

// pairs prints a map as sorted key=value tokens.
func pairs(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+cell(m[k]))
	}
	return strings.Join(parts, " ")
}

// cell keeps JSON numbers out of exponent notation.
func cell(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// column formats a table cell; byte counts become human-readable.
func column(name string, v any) string {
	if f, ok := v.(float64); ok && name == "filesize" && f >= 0 {
		return humanize.IBytes(uint64(f))
	}
	return cell(v)
}

// table prints rows of objects with one column per key seen in any row.
func table(w io.Writer, rows []any) error {
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		m, _ := r.(map[string]any)
		for k := range m {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(cols, "\t")))
	for _, r := range rows {
		m, _ := r.(map[string]any)
		cells := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := m[c]; ok {
				cells[i] = column(c, v)
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}
