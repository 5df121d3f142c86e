package cliengine

// buildArgs returns the CLI arguments for one attempt. A resume attempt
// continues sessionID; a fresh attempt creates it.
func (e *Engine) buildArgs(model, sessionID string, resume bool) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if resume {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	return append(args, e.cfg.extraArgs...)
}
