// Package event provides the publish-subscribe hub that carries state
// changes from sessions, the change reconciler and the build runner to
// connected clients.
//
// There are two layers:
//
//   - [Bus] dispatches every published [Event] synchronously to in-process
//     handlers (telemetry, the connection registry).
//   - [Registry] tracks client connections and their [Subscription] and
//     queues matching events on each connection without blocking the
//     publisher.
//
// Event types use the wire names clients expect ("file_updated",
// "session_update", ...). A Bus is always an explicit instance; nothing in
// this package is global.
//
// Delivery is at-most-once. Per connection, events arrive in publication
// order with a connection-local Seq. A connection that falls more than its
// send buffer behind is detached and must resubscribe and re-fetch state.
package event
