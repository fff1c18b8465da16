package discovery

import (
	"errors"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is the DNS-SD service type of a spork endpoint.
	ServiceType = "_spork._udp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultTTL is the record TTL used when none is configured.
	DefaultTTL = 120 * time.Second

	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 5 * time.Second
)

// TXT record keys.
const (
	TXTKeyALPN        = "alpn" // Advertised application protocol
	TXTKeyFingerprint = "fp"   // SHA-256 of the leaf certificate, hex
	TXTKeyVersion     = "ver"  // Server version (optional)
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// MaxTXTValueLen keeps each key=value string inside one TXT segment.
	MaxTXTValueLen = 200
)

// Discovery errors.
var (
	ErrMissingRequired     = errors.New("missing required TXT record")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 bytes")
	ErrInvalidPort         = errors.New("invalid port")
)

// ServiceInfo is what an endpoint announces about itself.
type ServiceInfo struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Port is the UDP port the endpoint is bound to.
	Port uint16

	// ALPN is the application protocol the endpoint advertises.
	ALPN string

	// Fingerprint is the hex SHA-256 digest of the endpoint's certificate.
	Fingerprint string

	// Version is the server version string.
	Version string
}

// Service is an endpoint found by browsing.
type Service struct {
	Instance  string
	Host      string
	Port      uint16
	Addresses []string

	ALPN        string
	Fingerprint string
	Version     string
}
