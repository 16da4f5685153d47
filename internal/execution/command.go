package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const KindCommand = "command"

// CommandUnit runs a local process per execution. The run Input is written
// to stdin as JSON and stdout becomes the result; output that is not JSON is
// wrapped into a JSON string. Cancellation kills the process.
type CommandUnit struct {
	Command []string
	Dir     string
	Env     map[string]string
	// WaitDelay bounds how long to wait for output pipes after the process
	// is killed.
	WaitDelay time.Duration
}

func NewCommandUnit(command []string, dir string, env map[string]string) (*CommandUnit, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("command is required")
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return nil, fmt.Errorf("command not found: %w", err)
	}
	return &CommandUnit{Command: command, Dir: dir, Env: env, WaitDelay: time.Second}, nil
}

func (u *CommandUnit) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	stdin, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	cmd := exec.CommandContext(ctx, u.Command[0], u.Command[1:]...)
	cmd.Dir = u.Dir
	cmd.Env = append(os.Environ(), u.envList(in)...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = u.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w: %s", u.Command[0], err, tail(stderr.String(), 512))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return json.RawMessage(`null`), nil
	}
	if json.Valid(out) {
		return json.RawMessage(out), nil
	}
	return json.Marshal(string(out))
}

func (u *CommandUnit) envList(in Input) []string {
	keys := make([]string, 0, len(u.Env))
	for k := range u.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		env = append(env, k+"="+u.Env[k])
	}
	env = append(env, "RUN_ID="+in.RunID, "AGENT_ID="+in.AgentID)
	return env
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
