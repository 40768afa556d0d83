// ABOUTME: Device command executor contract and the command/result wire shapes
// ABOUTME: The modem is an opaque asynchronous executor; this file defines its boundary

package modem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/linksync/internal/settings"
)

// Command actions sent to the device.
const (
	ActionSetParameter    = "set_parameter"
	ActionCreateParameter = "create_parameter"
	ActionGetParameter    = "get_parameter"
	ActionCreateTab       = "create_tab"
)

// ErrCommandFailed is returned when the device rejects a command.
var ErrCommandFailed = errors.New("device command failed")

// ErrTimeout is returned when the device does not answer in time.
var ErrTimeout = errors.New("device command timed out")

// Command is a structured instruction for the device. Custom commands carry
// their client-supplied payload in Raw and are forwarded verbatim.
type Command struct {
	Action       string                  `json:"action"`
	Tab          string                  `json:"tab,omitempty"`
	Category     string                  `json:"category,omitempty"`
	Parameter    string                  `json:"parameter,omitempty"`
	Key          string                  `json:"key,omitempty"`
	Value        *settings.Value         `json:"value,omitempty"`
	Type         settings.DescriptorType `json:"type,omitempty"`
	InitialValue *settings.Value         `json:"initialValue,omitempty"`
	Meta         *settings.Descriptor    `json:"meta,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Custom wraps an opaque client command.
func Custom(raw json.RawMessage) Command {
	return Command{Raw: raw}
}

// Name returns a short label for logging.
func (c Command) Name() string {
	if c.Raw != nil {
		return "custom"
	}
	return c.Action
}

// MarshalJSON forwards custom commands unchanged.
func (c Command) MarshalJSON() ([]byte, error) {
	if c.Raw != nil {
		return c.Raw, nil
	}
	type plain Command
	return json.Marshal(plain(c))
}

// Result is the device's answer to a command.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Value   *settings.Value `json:"value,omitempty"`
}

// Executor applies commands to the device. Implementations must be safe for
// concurrent use and must return once ctx is done.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) (Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

// Run executes cmd with a deadline and folds every failure mode into one
// error: transport errors, timeouts and a result with success=false.
func Run(ctx context.Context, exec Executor, cmd Command, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := exec.Execute(ctx, cmd)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return Result{}, ctx.Err()
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			return Result{}, fmt.Errorf("%w: %v", ErrCommandFailed, o.err)
		}
		if !o.res.Success {
			msg := o.res.Message
			if msg == "" {
				msg = "device reported failure"
			}
			return o.res, fmt.Errorf("%w: %s", ErrCommandFailed, msg)
		}
		return o.res, nil
	}
}
