// Package sessions holds the per-connection state kept for an editor and the
// registry that maps client identities to live sessions.
//
// A Session owns exactly one channel.Channel. It caches the editor's
// document and layer topology, tracks the last history state id it has
// reflected for every document, and uses that to decide whether an image
// fetch can be answered from cache. Writes issued by the session refresh
// the tracker afterwards so the session never mistakes its own edit for an
// external change.
//
// The Registry guarantees at most one live Session per Identity: accepting a
// new connection for an identity closes the previous session and waits for
// it to shut down before the new one starts.
package sessions
