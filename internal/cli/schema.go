package cli

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/output"
	"github.com/vburojevic/replaykit/internal/stream"
)

// SchemaCmd outputs JSON Schema for replaykit records and input signals
type SchemaCmd struct {
	Type []string `short:"t" help:"Types to include (signal,ready,session_start,session_end,segment,summary,session,error). Default: all"`
}

type schemaSource struct {
	title       string
	description string
	value       any
}

var schemaSources = map[string]schemaSource{
	"signal":        {"Signal", "One line of the upload input stream", stream.Signal{}},
	"ready":         {"Ready", "Written once an upload has a session", output.Ready{}},
	"session_start": {"Session Start", "A recording session began", domain.SessionStart{}},
	"session_end":   {"Session End", "A recording session was replaced", domain.SessionEnd{}},
	"segment":       {"Segment Result", "Outcome of one segment upload (segment_sent or segment_dropped)", domain.SegmentResult{}},
	"summary":       {"Summary", "Written when an upload finishes", output.Summary{}},
	"session":       {"Session", "Output of 'session show'", SessionOutput{}},
	"error":         {"Error", "A command failure", output.ErrorOutput{}},
}

// Run executes the schema command
func (c *SchemaCmd) Run(globals *Globals) error {
	if globals.Format == "text" {
		c.outputTextHelp(globals)
		return nil
	}

	types := c.Type
	if len(types) == 0 {
		types = lo.Keys(schemaSources)
	}

	defs := map[string]any{}
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		src, ok := schemaSources[t]
		if !ok {
			return outputErrorCommon(globals, "UNKNOWN_SCHEMA", fmt.Sprintf("unknown schema type %q", t))
		}
		schema := schemaFor(reflect.TypeOf(src.value))
		schema["title"] = src.title
		schema["description"] = src.description
		defs[t] = schema
	}

	encoder := json.NewEncoder(globals.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "replaykit schemas",
		"description": "JSON Schema definitions for the upload input and every NDJSON record",
		"definitions": defs,
	})
}

var (
	timeType = reflect.TypeOf(time.Time{})
	rawType  = reflect.TypeOf(json.RawMessage(nil))
)

// schemaFor derives a schema from a type's JSON encoding
func schemaFor(t reflect.Type) map[string]any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return map[string]any{"type": "string", "format": "date-time"}
	case t == rawType:
		return map[string]any{}
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": schemaFor(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": schemaFor(t.Elem())}
	case reflect.Struct:
		props := map[string]any{}
		var required []string
		structFields(t, props, &required)
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			slices.Sort(required)
			schema["required"] = required
		}
		return schema
	}
	return map[string]any{}
}

func structFields(t reflect.Type, props map[string]any, required *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			structFields(f.Type, props, required)
			continue
		}
		if name == "" {
			name = f.Name
		}
		props[name] = schemaFor(f.Type)
		if !strings.Contains(opts, "omitempty") && f.Type.Kind() != reflect.Pointer {
			*required = append(*required, name)
		}
	}
}

func (c *SchemaCmd) outputTextHelp(globals *Globals) {
	fmt.Fprintln(globals.Stdout, "replaykit types:")
	fmt.Fprintln(globals.Stdout, "")
	keys := lo.Keys(schemaSources)
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(globals.Stdout, "  %-14s - %s\n", k, schemaSources[k].description)
	}
	fmt.Fprintln(globals.Stdout, "")
	fmt.Fprintln(globals.Stdout, "Use --type to filter: replaykit -f ndjson schema --type signal,segment")
}
