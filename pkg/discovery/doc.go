// Package discovery announces spork endpoints over mDNS/DNS-SD.
//
// An endpoint registers one instance of the _spork._udp service on the port
// it is bound to. TXT records:
//
//	alpn  the advertised application protocol (required)
//	fp    SHA-256 of the leaf certificate, hex (required)
//	ver   server version (optional)
//
// Clients can compare fp with the certificate presented during the
// handshake, which is how a generated identity can be pinned.
package discovery
