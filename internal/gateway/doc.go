// Package gateway orchestrates the linksync server components.
//
// # Overview
//
// New builds the settings store from the built-in defaults, restores
// persisted tabs over it, and wires the device executor, persistence
// backend, session registry and dispatcher. Run opens the listeners and
// blocks until its context is cancelled.
//
// # HTTP API
//
//	GET  /ws             settings WebSocket (path from server.ws_path)
//	GET  /health         liveness, always "OK"
//	GET  /health/ready   readiness with session and tab counts
//	GET  /api/snapshot   the whole store as {"tabs": {...}}
//
// # gRPC
//
// When server.grpc_addr is set, a gRPC server exposes the standard
// grpc.health.v1 service for supervisors, under "" and "linksync".
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// serves HTTP on :80, or :443 with tailscale.https or tailscale.funnel.
// server.http_addr is ignored in that mode.
//
// # Shutdown
//
// Shutdown marks the health service NOT_SERVING, stops the HTTP server,
// closes every session, cancels in-flight device commands and closes the
// persistence backend.
package gateway
