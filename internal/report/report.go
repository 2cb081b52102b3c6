// Package report renders timer descriptions as JSON or YAML.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.yaml.in/yaml/v3"

	"timerd/internal/timer"
)

// MapSink collects a description into nested maps.
type MapSink map[string]any

func NewMapSink() MapSink { return MapSink{} }

func (m MapSink) Set(key string, value any) { m[key] = value }

func (m MapSink) Child(key string) timer.Sink {
	if c, ok := m[key].(MapSink); ok {
		return c
	}
	c := MapSink{}
	m[key] = c
	return c
}

// Describe runs d against a fresh MapSink.
func Describe(d timer.Describer) MapSink {
	m := NewMapSink()
	if d != nil {
		d.Describe(m)
	}
	return m
}

type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", JSON:
		return JSON, nil
	case YAML, "yml":
		return YAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use json or yaml)", s)
	}
}

// Encode writes v in the given format. JSON output is indented.
func Encode(w io.Writer, f Format, v any) error {
	switch f {
	case JSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case YAML:
		// Round-trip through JSON so yaml sees the json tags and plain maps.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", f)
	}
}

// EncodeTimers describes each timer and writes the list.
func EncodeTimers(w io.Writer, f Format, timers []*timer.Timer) error {
	out := make([]MapSink, 0, len(timers))
	for _, t := range timers {
		out = append(out, Describe(t))
	}
	return Encode(w, f, out)
}
