package system

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/angelfreak/peerlink/pkg/types"
)

// Executor runs system commands through os/exec
type Executor struct {
	logger types.Logger
	debug  bool
}

// NewExecutor creates a new system command executor
func NewExecutor(logger types.Logger, debug bool) *Executor {
	return &Executor{
		logger: logger,
		debug:  debug,
	}
}

// Execute runs a command and returns its combined output
func (e *Executor) Execute(cmd string, args ...string) (string, error) {
	return e.ExecuteContext(context.Background(), cmd, args...)
}

// ExecuteContext runs a command that is killed when ctx is done
func (e *Executor) ExecuteContext(ctx context.Context, cmd string, args ...string) (string, error) {
	return e.run(ctx, cmd, "", false, args...)
}

// ExecuteWithTimeout runs a command bounded by timeout
func (e *Executor) ExecuteWithTimeout(timeout time.Duration, cmd string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.run(ctx, cmd, "", false, args...)
}

// ExecuteWithInput runs a command with input on stdin.
// The input is never logged since it usually carries credentials.
func (e *Executor) ExecuteWithInput(cmd string, input string, args ...string) (string, error) {
	return e.ExecuteWithInputContext(context.Background(), cmd, input, args...)
}

// ExecuteWithInputContext runs a command with input on stdin, bounded by ctx
func (e *Executor) ExecuteWithInputContext(ctx context.Context, cmd string, input string, args ...string) (string, error) {
	return e.run(ctx, cmd, input, true, args...)
}

// HasCommand reports whether cmd is available in PATH
func (e *Executor) HasCommand(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

func (e *Executor) run(ctx context.Context, cmd, input string, withInput bool, args ...string) (string, error) {
	if e.debug {
		e.logger.Debug("Executing command", "cmd", cmd, "args", strings.Join(args, " "))
	}

	c := exec.CommandContext(ctx, cmd, args...)
	if withInput {
		c.Stdin = strings.NewReader(input)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, errors.Wrapf(ctxErr, "%s interrupted", cmd)
		}
		return output, errors.Wrapf(err, "%s failed: %s", cmd, output)
	}
	return output, nil
}
