package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/vburojevic/replaykit/internal/output"
	"github.com/vburojevic/replaykit/internal/session"
)

// SessionCmd groups the sticky session subcommands
type SessionCmd struct {
	Show  SessionShowCmd  `cmd:"" default:"1" help:"Show the persisted session and its expiry state"`
	Clear SessionClearCmd `cmd:"" help:"Delete the persisted session"`
}

// StoreFlags select the session store, overriding the config
type StoreFlags struct {
	Store string `help:"Session store (memory, file, redis); defaults to config"`
	Key   string `help:"Session key within the store; defaults to config"`
	Path  string `help:"Session file for the file store" type:"path"`
}

func (f StoreFlags) apply(globals *Globals) {
	cfg := globals.config()
	if f.Store != "" {
		cfg.Store.Kind = f.Store
	}
	if f.Key != "" {
		cfg.Store.Key = f.Key
	}
	if f.Path != "" {
		cfg.Store.Path = f.Path
	}
}

// SessionShowCmd prints the persisted session
type SessionShowCmd struct {
	StoreFlags
}

// SessionOutput is the NDJSON form of a persisted session
type SessionOutput struct {
	Type              string `json:"type"`
	SchemaVersion     int    `json:"schemaVersion"`
	Store             string `json:"store"`
	Found             bool   `json:"found"`
	SessionID         string `json:"session_id,omitempty"`
	PreviousSessionID string `json:"previous_session_id,omitempty"`
	Started           string `json:"started,omitempty"`
	LastActivity      string `json:"last_activity,omitempty"`
	SegmentID         int    `json:"segment_id"`
	Sampled           bool   `json:"sampled"`
	State             string `json:"state,omitempty"`
	IdleSeconds       int    `json:"idle_seconds"`
}

// Run executes the session show command
func (c *SessionShowCmd) Run(globals *Globals) error {
	c.apply(globals)
	return showSession(context.Background(), globals, time.Now())
}

func showSession(ctx context.Context, globals *Globals, now time.Time) error {
	cfg := globals.config()
	store, name, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return outputErrorCommon(globals, "STORE_UNAVAILABLE", err.Error(), "check the store settings with 'replaykit config show'")
	}
	defer closeStore()

	s, err := store.Load(ctx)
	if err != nil {
		return outputErrorCommon(globals, "STORE_READ_FAILED", err.Error())
	}

	out := SessionOutput{
		Type:          "session",
		SchemaVersion: output.SchemaVersion,
		Store:         name,
		Found:         s != nil,
	}
	if s != nil {
		state := session.Evaluate(*s, now, cfg.Replay.SessionIdleTimeout, cfg.Replay.MaxSessionLife)
		summary := session.Summarize(*s, now)
		out.SessionID = s.ID
		out.PreviousSessionID = s.PreviousSessionID
		out.Started = s.Started.UTC().Format(time.RFC3339)
		out.LastActivity = s.LastActivity.UTC().Format(time.RFC3339)
		out.SegmentID = s.SegmentID
		out.Sampled = s.Sampled
		out.State = state.String()
		out.IdleSeconds = summary.IdleSeconds
	}

	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(out)
	}

	if !out.Found {
		fmt.Fprintf(globals.Stdout, "No session in %s\n", name)
		return nil
	}
	table := tablewriter.NewWriter(globals.Stdout)
	table.Header("Field", "Value")
	rows := [][]string{
		{"store", out.Store},
		{"session_id", out.SessionID},
		{"previous_session_id", out.PreviousSessionID},
		{"started", out.Started},
		{"last_activity", out.LastActivity},
		{"segment_id", strconv.Itoa(out.SegmentID)},
		{"sampled", strconv.FormatBool(out.Sampled)},
		{"state", out.State},
		{"idle", (time.Duration(out.IdleSeconds) * time.Second).String()},
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// SessionClearCmd deletes the persisted session
type SessionClearCmd struct {
	StoreFlags
}

// Run executes the session clear command
func (c *SessionClearCmd) Run(globals *Globals) error {
	c.apply(globals)
	ctx := context.Background()

	store, name, closeStore, err := openStore(ctx, globals.config().Store)
	if err != nil {
		return outputErrorCommon(globals, "STORE_UNAVAILABLE", err.Error())
	}
	defer closeStore()

	if err := store.Delete(ctx); err != nil {
		return outputErrorCommon(globals, "STORE_WRITE_FAILED", err.Error())
	}

	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(map[string]any{
			"type":          "session_cleared",
			"schemaVersion": output.SchemaVersion,
			"store":         name,
		})
	}
	fmt.Fprintf(globals.Stdout, "Cleared session in %s\n", name)
	return nil
}
