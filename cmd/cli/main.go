// Command abm-engine reads a ProcessingInput JSON from a file argument (or
// stdin), runs the batch pipeline, and writes the ProcessingOutput JSON to
// stdout. A bare JSON array is taken as the records of an input with default
// settings. Flags override the corresponding input fields.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cxd309/abm-engine/internal/engine"
	"github.com/cxd309/abm-engine/internal/filter"
	"github.com/cxd309/abm-engine/internal/layers"
)

type config struct {
	exclude   string
	kind      string
	heatType  string
	from      int
	to        int
	current   float64
	logFormat string
	logLevel  string
}

func parseFlags(args []string) (config, []string, error) {
	var cfg config
	fs := flag.NewFlagSet("abm-engine", flag.ContinueOnError)
	fs.StringVar(&cfg.exclude, "exclude", "", "Comma-separated attribute values to hide")
	fs.StringVar(&cfg.kind, "kind", "", "Layers to build (trips|heat|arc|all)")
	fs.StringVar(&cfg.heatType, "heat-type", "", "Aggregation style passed to the heat layer")
	fs.IntVar(&cfg.from, "from", -1, "First hour bucket of the time window")
	fs.IntVar(&cfg.to, "to", -1, "Last hour bucket of the time window")
	fs.Float64Var(&cfg.current, "current-time", -1, "Trips animation timestamp in seconds")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format (text|json)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return config{}, nil, err
	}
	return cfg, fs.Args(), nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// applyConfig merges flag overrides into the raw input document.
func applyConfig(data []byte, cfg config) (string, error) {
	var input engine.ProcessingInput
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		input.Records = trimmed
	} else if err := json.Unmarshal(trimmed, &input); err != nil {
		return "", fmt.Errorf("invalid input JSON: %w", err)
	}

	if cfg.kind != "" {
		kind, err := layers.ParseKind(cfg.kind)
		if err != nil {
			return "", err
		}
		input.Meta.Kind = kind
	}
	if cfg.heatType != "" {
		input.Meta.HeatType = cfg.heatType
	}
	if cfg.current >= 0 {
		input.Meta.CurrentTimestamp = cfg.current
	}
	if cfg.exclude != "" {
		if input.Exclude == nil {
			input.Exclude = filter.Flags{}
		}
		for _, v := range strings.Split(cfg.exclude, ",") {
			if v = strings.TrimSpace(v); v != "" {
				input.Exclude[v] = true
			}
		}
	}
	if cfg.from >= 0 || cfg.to >= 0 {
		if input.Window == nil {
			input.Window = &engine.WindowInput{}
		}
		if cfg.from >= 0 {
			input.Window.From = &cfg.from
		}
		if cfg.to >= 0 {
			input.Window.To = &cfg.to
		}
	}

	out, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshaling input: %w", err)
	}
	return string(out), nil
}

func main() {
	cfg, args, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logger := newLogger(cfg.logFormat, cfg.logLevel)

	var data []byte
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		logger.Error("error reading input", "error", err)
		os.Exit(1)
	}

	input, err := applyConfig(data, cfg)
	if err != nil {
		logger.Error("invalid input", "error", err)
		os.Exit(1)
	}

	result, err := engine.RunJSON(input)
	if err != nil {
		logger.Error("processing error", "error", err)
		os.Exit(1)
	}

	var summary struct {
		Summary engine.Summary `json:"summary"`
	}
	if err := json.Unmarshal([]byte(result), &summary); err == nil {
		logger.Info("processed", "agents", summary.Summary.Agents, "skipped", summary.Summary.Skipped,
			"visible", summary.Summary.Visible, "window", summary.Summary.Window)
	}

	fmt.Println(result)
}
