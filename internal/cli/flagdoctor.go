package cli

// validateFlags centralizes common flag combinations to keep behavior consistent.
func validateFlags(globals *Globals, dryRun bool, dsn string) error {
	// quiet + text is confusing for scripts; steer to ndjson
	if globals != nil && globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	if !dryRun && dsn == "" {
		return outputErrorCommon(globals, "MISSING_DSN", "no DSN configured", "pass --dsn, set REPLAYKIT_DSN or add --dry-run")
	}
	if globals != nil && globals.Config != nil {
		if err := globals.Config.Validate(); err != nil {
			return outputErrorCommon(globals, "INVALID_CONFIG", err.Error(), "run 'replaykit config show' to inspect the merged settings")
		}
	}
	return nil
}
