package tools

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
	"unicode/utf8"
)

const (
	defaultBashTimeout = 120 * time.Second
	maxBashTimeout     = 10 * time.Minute
	// maxBashOutput caps the runes returned; the middle of longer output
	// is dropped.
	maxBashOutput = 30000
)

// Bash runs shell commands on the host. A non-zero exit is reported in the
// result rather than as an error so the model can react to it.
type Bash struct {
	dir string
}

// NewBash creates a Bash tool. Commands run in dir, or the process working
// directory when dir is empty.
func NewBash(dir string) *Bash { return &Bash{dir: dir} }

func (b *Bash) Name() string { return "bash" }
func (b *Bash) Description() string {
	return "Run a bash command on the host and return its combined output and exit code"
}
func (b *Bash) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The command to run"},
			"workdir": {"type": "string", "description": "Directory to run in, relative paths resolve against the default directory"},
			"timeout_seconds": {"type": "integer", "description": "Timeout in seconds (default: 120, max: 600)"}
		},
		"required": ["command"]
	}`)
}

type bashResult struct {
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (b *Bash) workdir(dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return cmp.Or(dir, b.dir)
	}
	return filepath.Join(b.dir, dir)
}

// clip keeps the first and last n/2 runes of s.
func clip(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	runes := []rune(s)
	half := n / 2
	dropped := len(runes) - 2*half
	return fmt.Sprintf("%s\n\n[%d characters omitted]\n\n%s", string(runes[:half]), dropped, string(runes[len(runes)-half:])), true
}

func (b *Bash) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Command        string `json:"command"`
		Workdir        string `json:"workdir"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Command == "" {
		return "", errors.New("command is required")
	}

	timeout := defaultBashTimeout
	if params.TimeoutSeconds > 0 {
		timeout = min(time.Duration(params.TimeoutSeconds)*time.Second, maxBashTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", params.Command)
	cmd.Dir = b.workdir(params.Workdir)
	cmd.WaitDelay = time.Second
	output, runErr := cmd.CombinedOutput()
	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("command timed out after %s", timeout)
	} else if err != nil {
		return "", err
	}

	var result bashResult
	result.Output, result.Truncated = clip(string(output), maxBashOutput)
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("run command: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return jsonString(result)
}
