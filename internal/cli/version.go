package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/vburojevic/replaykit/internal/output"
)

// VersionCmd shows build information and how to upgrade
type VersionCmd struct{}

// VersionOutput represents the NDJSON output for version information
type VersionOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	GoVersion     string `json:"go_version"`
	GoInstall     string `json:"go_install"`
}

const goInstallCmd = "go install github.com/vburojevic/replaykit/cmd/replaykit@latest"

// Run executes the version command
func (c *VersionCmd) Run(globals *Globals) error {
	if globals.Format == "ndjson" {
		return c.outputNDJSON(globals)
	}
	return c.outputText(globals)
}

func (c *VersionCmd) outputNDJSON(globals *Globals) error {
	out := VersionOutput{
		Type:          "version",
		SchemaVersion: output.SchemaVersion,
		Version:       Version,
		Commit:        Commit,
		GoVersion:     runtime.Version(),
		GoInstall:     goInstallCmd,
	}

	encoder := json.NewEncoder(globals.Stdout)
	return encoder.Encode(out)
}

func (c *VersionCmd) outputText(globals *Globals) error {
	fmt.Fprintf(globals.Stdout, "replaykit %s (%s, %s)\n", Version, Commit, runtime.Version())
	fmt.Fprintln(globals.Stdout)
	fmt.Fprintln(globals.Stdout, "To upgrade via Go:")
	fmt.Fprintf(globals.Stdout, "  %s\n", goInstallCmd)
	return nil
}
