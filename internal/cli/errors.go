package cli

import (
	"errors"
	"fmt"

	"github.com/vburojevic/replaykit/internal/output"
)

// CommandError is returned by a command after its failure has been reported
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// ErrorCode returns the code of a reported command failure, or "" for any
// other error
func ErrorCode(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// outputErrorCommon reports a command failure once: an "error" record on
// stdout for ndjson, "Error [CODE]: msg" on stderr otherwise. The upload
// record stream stays parseable when a run fails midway.
func outputErrorCommon(globals *Globals, code, message string, hint ...string) error {
	if globals != nil && globals.Format == "ndjson" {
		output.NewNDJSONWriter(globals.Stdout).WriteError(code, message, hint...)
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s", code, message)
		if len(hint) > 0 && hint[0] != "" {
			fmt.Fprintf(globals.Stderr, " (hint: %s)", hint[0])
		}
		fmt.Fprintln(globals.Stderr)
	}
	return &CommandError{Code: code, Message: message}
}
