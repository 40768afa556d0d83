// Package modem is the boundary to the radio modem.
//
// The modem is treated as an opaque asynchronous command executor: the
// dispatcher hands it a Command and waits for a Result. Run wraps every call
// with a deadline and turns transport errors, timeouts and success=false
// results into ErrCommandFailed or ErrTimeout.
//
// Two executors are provided:
//
//   - Simulated: acknowledges every command after a fixed latency
//   - HTTPExecutor: POSTs commands as JSON to a modem control endpoint
package modem
