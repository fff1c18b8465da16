// Package transport provides the spork secure endpoint.
//
// The endpoint is a QUIC listener (quic-go) configured with:
//   - TLS 1.3 using the identity resolved by package cert
//   - exactly one advertised ALPN protocol (default "hq-29")
//   - no unidirectional streams for peers
//
// # Accept Loop
//
// Serve accepts connection attempts as soon as the transport delivers them
// and hands each one to its own task without waiting for it. The task waits
// for the handshake, reads the negotiated protocol (or "<none>") and builds
// a zerolog context tagged with the connection ID, remote address and
// protocol. Handshake failures are logged and stay inside the task; they
// never reach the accept loop.
//
// # Limits
//
// ServerConfig.MaxConnections and ServerConfig.HandshakeTimeout are both
// off by default. With a limit set, attempts arriving while the limit is
// reached are closed with CodeRefused.
package transport
