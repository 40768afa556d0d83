// Package session tracks connected settings clients and moves messages
// between them and the dispatcher.
//
// A Server upgrades each request to a WebSocket Conn, attaches it to the
// Registry with a greeting (one settings message per tab) and then feeds
// its frames to a Handler one at a time. The greeting is written ahead of
// the Conn's bounded queue, so it may hold any number of tabs. Later
// outbound traffic goes through that queue; a session that falls too far
// behind is closed.
//
// Registry.Broadcast copies the session set under a read lock and sends
// outside it, so sessions may connect or disconnect mid-broadcast.
package session
