// ABOUTME: Simulated modem that acknowledges every command after a fixed latency
// ABOUTME: Stands in for hardware during development and bench testing

package modem

import (
	"context"
	"log/slog"
	"time"
)

// SimulatedMessage is the acknowledgement text returned by Simulated.
const SimulatedMessage = "command sent successfully"

// Simulated acknowledges every command after Latency. It never returns a
// live value, so reads fall back to the cached store value.
type Simulated struct {
	Latency time.Duration
	logger  *slog.Logger
}

// NewSimulated creates a simulated executor. Pass nil logger for default.
func NewSimulated(latency time.Duration, logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{Latency: latency, logger: logger.With("component", "modem-sim")}
}

// Execute implements Executor.
func (s *Simulated) Execute(ctx context.Context, cmd Command) (Result, error) {
	s.logger.Debug("sending command to modem", "action", cmd.Name(), "latency", s.Latency)

	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Result{Success: true, Message: SimulatedMessage}, nil
}
