package cli

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/vburojevic/replaykit/internal/config"
	"github.com/vburojevic/replaykit/internal/output"
)

// ConfigCmd groups the configuration subcommands
type ConfigCmd struct {
	Show     ConfigShowCmd     `cmd:"" default:"1" help:"Show the merged configuration"`
	Path     ConfigPathCmd     `cmd:"" help:"Show which config file is used"`
	Generate ConfigGenerateCmd `cmd:"" help:"Print a sample config file"`
}

// ConfigShowCmd prints the effective configuration
type ConfigShowCmd struct{}

type configOutput struct {
	Type          string            `json:"type"`
	SchemaVersion int               `json:"schemaVersion"`
	Format        string            `json:"format"`
	Quiet         bool              `json:"quiet"`
	Verbose       bool              `json:"verbose"`
	DSN           string            `json:"dsn,omitempty"`
	Replay        map[string]any    `json:"replay"`
	Delivery      map[string]any    `json:"delivery"`
	Store         map[string]any    `json:"store"`
	Breadcrumbs   map[string]any    `json:"breadcrumbs"`
	Sources       map[string]string `json:"sources,omitempty"`
}

// Run executes the config show command
func (c *ConfigShowCmd) Run(globals *Globals) error {
	cfg := globals.config()

	out := configOutput{
		Type:          "config",
		SchemaVersion: output.SchemaVersion,
		Format:        cfg.Format,
		Quiet:         cfg.Quiet,
		Verbose:       cfg.Verbose,
		DSN:           redactDSN(cfg.DSN),
		Replay: map[string]any{
			"flush_min_delay":       cfg.Replay.FlushMinDelay.String(),
			"flush_max_delay":       cfg.Replay.FlushMaxDelay.String(),
			"initial_flush_delay":   cfg.Replay.InitialFlushDelay.String(),
			"session_idle_timeout":  cfg.Replay.SessionIdleTimeout.String(),
			"visibility_timeout":    cfg.Replay.VisibilityTimeout.String(),
			"max_session_life":      cfg.Replay.MaxSessionLife.String(),
			"sample_rate":           cfg.Replay.SampleRate,
			"error_sample_rate":     cfg.Replay.ErrorSampleRate,
			"capture_only_on_error": cfg.Replay.CaptureOnlyOnError,
			"sticky":                cfg.Replay.Sticky,
			"compression":           cfg.Replay.Compression,
			"compression_level":     cfg.Replay.CompressionLevel,
		},
		Delivery: map[string]any{
			"retry_base_interval": cfg.Delivery.RetryBaseInterval.String(),
			"max_retries":         cfg.Delivery.MaxRetries,
			"timeout":             cfg.Delivery.Timeout.String(),
			"beacon":              cfg.Delivery.Beacon,
			"beacon_max_bytes":    cfg.Delivery.BeaconMaxBytes,
		},
		Store: map[string]any{
			"kind":       cfg.Store.Kind,
			"path":       cfg.Store.Path,
			"redis_addr": cfg.Store.RedisAddr,
			"redis_db":   cfg.Store.RedisDB,
			"key":        cfg.Store.Key,
			"ttl":        cfg.Store.TTL.String(),
		},
		Breadcrumbs: map[string]any{
			"exclude":       cfg.Breadcrumbs.Exclude,
			"where":         cfg.Breadcrumbs.Where,
			"dedupe_window": cfg.Breadcrumbs.DedupeWindow.String(),
		},
	}
	if path := config.ConfigFile(); path != "" {
		out.Sources = map[string]string{"file": path}
	}

	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(out)
	}

	w := globals.Stdout
	fmt.Fprintln(w, "Current Configuration:")
	fmt.Fprintf(w, "  format: %s\n", out.Format)
	fmt.Fprintf(w, "  quiet: %v\n", out.Quiet)
	fmt.Fprintf(w, "  verbose: %v\n", out.Verbose)
	if out.DSN != "" {
		fmt.Fprintf(w, "  dsn: %s\n", out.DSN)
	}
	for _, section := range []struct {
		name   string
		values map[string]any
	}{
		{"Replay", out.Replay},
		{"Delivery", out.Delivery},
		{"Store", out.Store},
		{"Breadcrumbs", out.Breadcrumbs},
	} {
		fmt.Fprintf(w, "\n%s:\n", section.name)
		for _, key := range sortedKeys(section.values) {
			fmt.Fprintf(w, "  %s: %v\n", key, section.values[key])
		}
	}
	return nil
}

// ConfigPathCmd shows which config file is in use
type ConfigPathCmd struct{}

// Run executes the config path command
func (c *ConfigPathCmd) Run(globals *Globals) error {
	path := config.ConfigFile()

	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(map[string]any{
			"type":          "config_path",
			"schemaVersion": output.SchemaVersion,
			"path":          path,
			"found":         path != "",
		})
	}

	if path == "" {
		fmt.Fprintln(globals.Stdout, "No configuration file found")
		fmt.Fprintln(globals.Stdout, "Create one with: replaykit config generate > .replaykit.yaml")
		return nil
	}
	fmt.Fprintf(globals.Stdout, "Config file: %s\n", path)
	return nil
}

// ConfigGenerateCmd prints a commented sample file
type ConfigGenerateCmd struct{}

// Run executes the config generate command
func (c *ConfigGenerateCmd) Run(globals *Globals) error {
	cfg := config.Default()
	fmt.Fprintf(globals.Stdout, `# replaykit configuration file
# Place in ./.replaykit.yaml, ~/.replaykit.yaml or ~/.config/replaykit/replaykit.yaml
# Every key can be overridden with REPLAYKIT_<SECTION>_<KEY>

format: %s
# dsn: https://<public key>@ingest.example.com/<project>

replay:
  flush_min_delay: %s
  flush_max_delay: %s
  initial_flush_delay: %s
  session_idle_timeout: %s
  visibility_timeout: %s
  max_session_life: %s
  sample_rate: %v
  error_sample_rate: %v
  capture_only_on_error: %v
  sticky: %v
  compression: %v

delivery:
  retry_base_interval: %s
  max_retries: %d
  timeout: %s
  beacon: %v
  beacon_max_bytes: %d

store:
  kind: %s  # memory, file or redis
  key: %s
  # path: ~/.replaykit/sessions/default.json
  # redis_addr: localhost:6379

breadcrumbs:
  exclude:
%s`,
		cfg.Format,
		cfg.Replay.FlushMinDelay, cfg.Replay.FlushMaxDelay, cfg.Replay.InitialFlushDelay,
		cfg.Replay.SessionIdleTimeout, cfg.Replay.VisibilityTimeout, cfg.Replay.MaxSessionLife,
		cfg.Replay.SampleRate, cfg.Replay.ErrorSampleRate, cfg.Replay.CaptureOnlyOnError,
		cfg.Replay.Sticky, cfg.Replay.Compression,
		cfg.Delivery.RetryBaseInterval, cfg.Delivery.MaxRetries, cfg.Delivery.Timeout,
		cfg.Delivery.Beacon, cfg.Delivery.BeaconMaxBytes,
		cfg.Store.Kind, cfg.Store.Key,
		yamlList(cfg.Breadcrumbs.Exclude, "    "),
	)
	return nil
}

func yamlList(items []string, indent string) string {
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "%s- %q\n", indent, item)
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

// redactDSN hides the public key
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	_, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	return scheme + "://***@" + host
}
