// Package dialpool is a low-level HTTP client transport core: it owns a
// pool of reusable connections, balances dispatches across them with a
// smoothed weighted round robin, and negotiates byte-level tunnels
// (HTTP CONNECT, SOCKS4/4a/5) when the peer must be reached through an
// intermediary. It also owns request framing: choosing between
// Content-Length and chunked encoding, tracking bytes written against a
// declared length, and maintaining keep-alive timers.
//
// dialpool deliberately stops below response handling. TLS session
// establishment, name resolution and the request/response object model
// are collaborators reached through narrow interfaces; retry policy
// belongs to the layer above and only consumes the error signals
// produced here.
package dialpool
