// Package sessions tracks live client sessions across both inbound
// transports.
//
// A Registry owns the session map. Transports register a session once the
// handshake has succeeded, touch it on every inbound message, and ask the
// registry to close it on any exit path. Teardown is guarded by a
// compare-and-swap on the session so that whichever trigger arrives first
// (client disconnect, write failure, expiry, explicit delete, shutdown) runs
// the session's CleanupFunc and every later trigger is a no-op.
//
// Lifecycle
//
//	Create  -> capacity gate (ErrCapacityExceeded), duplicate gate (ErrSessionExists)
//	Touch   -> monotonic last-activity update; false when unknown or expired
//	Get     -> lazy expiry: a session idle past the TTL is closed on sight
//	Sweep   -> periodic expiry (Run drives it on a ticker)
//	Close   -> first caller wins; unknown ids yield ErrSessionNotFound
package sessions
