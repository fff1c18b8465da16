// Package cert resolves the TLS identity a spork endpoint presents.
//
// An identity is either loaded from a PEM private key and a PEM certificate
// chain on disk, or generated on the fly as a self-signed certificate for a
// single hostname:
//
//	id, err := cert.Resolve(keyPath, certPath, cert.WithLogger(logger))
//
// Errors reading the key wrap ErrKeyRead and errors reading the chain wrap
// ErrCertRead, so callers can tell operators which file was at fault.
// Generated identities are never persisted.
package cert
