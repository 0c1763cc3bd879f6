package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatCSV   = "csv"
)

func parseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "", formatTable:
		return formatTable, nil
	case formatJSON, formatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want table, json or csv)", s)
	}
}

// result is a command's output: the JSON value plus a flat rendering for
// table and csv.
// result is one command's output. footer lines follow the table format only.
type result struct {
	value  any
	header []string
	rows   [][]string
	footer []string
}

func render(w io.Writer, format string, r result) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r.value)
	case formatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(r.header); err != nil {
			return err
		}
		if err := cw.WriteAll(r.rows); err != nil {
			return err
		}
		return cw.Error()
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(r.header, "\t"))
		for _, row := range r.rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, line := range r.footer {
			fmt.Fprintln(w, line)
		}
		return nil
	}
}

func fmtInt(n int64) string { return strconv.FormatInt(n, 10) }

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }

func fmtOptFloat(f *float64, prec int) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', prec, 64)
}

func fmtOptBool(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

// flags is a parsed command line: repeated --where expressions, --format,
// other value flags, boolean flags and positional arguments.
type flags struct {
	where      []string
	format     string
	values     map[string]string
	bools      map[string]bool
	positional []string
}

// parseFlags accepts --where and --format plus the named value and boolean
// flags. Value flags take "--name v" or "--name=v".
func parseFlags(args []string, valueFlags, boolFlags []string) (*flags, error) {
	f := &flags{values: map[string]string{}, bools: map[string]bool{}}
	isValue := map[string]bool{"--where": true, "--format": true}
	for _, name := range valueFlags {
		isValue[name] = true
	}
	isBool := map[string]bool{}
	for _, name := range boolFlags {
		isBool[name] = true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			f.positional = append(f.positional, arg)
			continue
		}
		name, value, hasValue := strings.Cut(arg, "=")
		switch {
		case isBool[name] && !hasValue:
			f.bools[name] = true
			continue
		case !isValue[name]:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		case !hasValue:
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag %s needs a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--where":
			f.where = append(f.where, value)
		case "--format":
			f.format = value
		default:
			f.values[name] = value
		}
	}

	format, err := parseFormat(f.format)
	if err != nil {
		return nil, err
	}
	f.format = format
	return f, nil
}
