// Package wire defines the frames exchanged with the editor over the
// websocket: correlated requests and responses keyed by call_id, and
// unsolicited push frames carrying push_data.
package wire
