package provider

import "log/slog"

// NewClaudeCode builds the Claude Code CLI variant. The CLI streams
// line-delimited JSON events and resumes its own sessions by id.
func NewClaudeCode(logger *slog.Logger) Provider {
	return &cliProvider{
		name:   "claude-code",
		binary: "claude",
		mode:   modeNDJSON,
		logger: logger,
		buildArgs: func(prompt string, opts Options) []string {
			args := []string{
				"-p", prompt,
				"--output-format", "stream-json",
				"--verbose",
				"--dangerously-skip-permissions",
			}
			if opts.ResumeProviderSessionID != "" {
				args = append(args, "--resume", opts.ResumeProviderSessionID)
			}
			if model := optionValue(opts.ProviderOptions, "model", ""); model != "" {
				args = append(args, "--model", model)
			}
			return args
		},
	}
}

// NewCodex builds the Codex CLI variant, the second NDJSON-stream shape.
func NewCodex(logger *slog.Logger) Provider {
	return &cliProvider{
		name:   "codex",
		binary: "codex",
		mode:   modeNDJSON,
		logger: logger,
		buildArgs: func(prompt string, opts Options) []string {
			args := []string{
				"exec",
				"--json",
				"--skip-git-repo-check",
				"--sandbox", "danger-full-access",
			}
			if opts.ResumeProviderSessionID != "" {
				args = append(args, "resume", opts.ResumeProviderSessionID)
			}
			if model := optionValue(opts.ProviderOptions, "model", ""); model != "" {
				args = append(args, "--model", model)
			}
			return append(args, prompt)
		},
	}
}

// NewCursorAgent builds the cursor-agent CLI variant, which emits plain
// text rather than a structured stream.
func NewCursorAgent(logger *slog.Logger) Provider {
	return &cliProvider{
		name:   "cursor-agent",
		binary: "cursor-agent",
		mode:   modeText,
		logger: logger,
		buildArgs: func(prompt string, opts Options) []string {
			args := []string{"--print", "--force"}
			if opts.ResumeProviderSessionID != "" {
				args = append(args, "--resume", opts.ResumeProviderSessionID)
			}
			if model := optionValue(opts.ProviderOptions, "model", ""); model != "" {
				args = append(args, "--model", model)
			}
			return append(args, prompt)
		},
	}
}
