package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

type formatter interface {
	Format(w io.Writer, data any) error
}

// newFormatter supports "text" (default), "json" and "yaml".
func newFormatter(format string) formatter {
	switch strings.ToLower(format) {
	case "json":
		return jsonFormatter{}
	case "yaml":
		return yamlFormatter{}
	default:
		return textFormatter{}
	}
}

type jsonFormatter struct{}

func (jsonFormatter) Format(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

type yamlFormatter struct{}

func (yamlFormatter) Format(w io.Writer, data any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

// textFormatter prints structs as key/value lines and slices of structs as
// tables.
type textFormatter struct{}

func (textFormatter) Format(w io.Writer, data any) error {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	v := reflect.Indirect(reflect.ValueOf(data))
	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			fmt.Fprintln(tw, "Nothing found.")
			break
		}
		t := reflect.Indirect(v.Index(0)).Type()
		if t.Kind() != reflect.Struct {
			for i := range v.Len() {
				fmt.Fprintln(tw, v.Index(i).Interface())
			}
			break
		}
		headers := make([]string, t.NumField())
		for i := range t.NumField() {
			headers[i] = strings.ToUpper(fieldName(t.Field(i)))
		}
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
		for i := range v.Len() {
			row := reflect.Indirect(v.Index(i))
			vals := make([]string, row.NumField())
			for j := range row.NumField() {
				vals[j] = fmt.Sprint(row.Field(j).Interface())
			}
			fmt.Fprintln(tw, strings.Join(vals, "\t"))
		}
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			fmt.Fprintf(tw, "%s:\t%v\n", fieldName(t.Field(i)), v.Field(i).Interface())
		}
	default:
		fmt.Fprintln(tw, data)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func fieldName(f reflect.StructField) string {
	if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" {
		return tag
	}
	return f.Name
}
