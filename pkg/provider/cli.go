package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/webedt/coding-worker/pkg/events"
)

// streamMode selects how a CLI provider's stdout is interpreted.
type streamMode int

const (
	// modeNDJSON parses one JSON event per stdout line.
	modeNDJSON streamMode = iota
	// modeText accumulates plain-text output into a single final message.
	modeText
)

// killGrace is how long a cancelled subprocess gets between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

// cliProvider drives an assistant CLI as a child process and normalizes its
// heterogeneous output into ProviderEvents.
type cliProvider struct {
	name   string
	binary string
	mode   streamMode
	// buildArgs renders the command line for one request.
	buildArgs func(prompt string, opts Options) []string
	logger    *slog.Logger
}

func (p *cliProvider) Name() string { return p.name }

func (p *cliProvider) ValidateToken(auth json.RawMessage) bool {
	return len(auth) > 0
}

func (p *cliProvider) Execute(ctx context.Context, content []ContentBlock, opts Options, onEvent EventFunc) error {
	prompt, err := TextContent(content)
	if err != nil {
		return err
	}

	path, err := exec.LookPath(p.binary)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingBinary, p.binary)
	}

	cmd := exec.Command(path, p.buildArgs(prompt, opts)...)
	cmd.Dir = opts.Workspace
	cmd.Env = append(os.Environ(), envList(opts.Env)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", ErrExecution, p.binary, err)
	}

	// Forcible termination on cancel: SIGTERM, then SIGKILL after the
	// grace window.
	procDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("terminating provider subprocess", "provider", p.name, "pid", cmd.Process.Pid)
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-procDone:
			case <-time.After(killGrace):
				p.logger.Warn("provider subprocess ignored SIGTERM, killing", "provider", p.name)
				_ = cmd.Process.Kill()
			}
		case <-procDone:
		}
	}()

	var streamErr error
	switch p.mode {
	case modeNDJSON:
		streamErr = p.relayNDJSON(stdout, onEvent)
	case modeText:
		streamErr = p.relayText(stdout, onEvent)
	}

	waitErr := cmd.Wait()
	close(procDone)

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrCancelled, p.name)
	}
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 2048 {
			detail = detail[len(detail)-2048:]
		}
		return fmt.Errorf("%w: %s exited: %v: %s", ErrExecution, p.binary, waitErr, detail)
	}
	return nil
}

// relayNDJSON normalizes line-delimited JSON events. Unknown shapes are
// relayed as assistant messages; init/ready events surface the provider's
// session id; done/complete markers are suppressed.
func (p *cliProvider) relayNDJSON(r io.Reader, onEvent EventFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			// Some CLIs interleave human-readable noise with the stream.
			p.logger.Debug("skipping non-JSON provider output", "provider", p.name)
			continue
		}
		if ev, ok := normalizeCLIEvent(raw); ok {
			onEvent(ev)
		}
	}
	return scanner.Err()
}

// relayText accumulates plain-text output and emits one final message.
func (p *cliProvider) relayText(r io.Reader, onEvent EventFunc) error {
	var buf strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	text := strings.TrimSpace(buf.String())
	if text != "" {
		onEvent(events.ProviderEvent{
			Type: events.ProviderAssistantMessage,
			Data: map[string]any{"type": "message", "content": text},
		})
	}
	return nil
}

// normalizeCLIEvent maps the CLI event zoo onto the two provider event
// types. The bool result is false for suppressed events.
func normalizeCLIEvent(raw map[string]any) (events.ProviderEvent, bool) {
	eventType, _ := raw["type"].(string)
	model, _ := raw["model"].(string)

	switch eventType {
	case "init", "ready", "system":
		if id := sessionIDFrom(raw); id != "" {
			return events.ProviderEvent{
				Type:  events.ProviderSession,
				Data:  map[string]any{"session_id": id},
				Model: model,
			}, true
		}
		return events.ProviderEvent{}, false
	case "done", "complete", "result":
		return events.ProviderEvent{}, false
	case "message", "text", "assistant", "assistant_message", "tool_use", "tool_result", "error":
		return events.ProviderEvent{
			Type:  events.ProviderAssistantMessage,
			Data:  raw,
			Model: model,
		}, true
	default:
		return events.ProviderEvent{
			Type:  events.ProviderAssistantMessage,
			Data:  raw,
			Model: model,
		}, true
	}
}

func sessionIDFrom(raw map[string]any) string {
	for _, key := range []string{"session_id", "sessionId", "conversation_id", "id"} {
		if v, ok := raw[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
