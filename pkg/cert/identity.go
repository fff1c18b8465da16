package cert

import (
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// DefaultHostname is the name a generated identity is issued for when no
// other hostname is configured.
const DefaultHostname = "localhost"

// Identity resolution errors.
var (
	ErrKeyRead     = errors.New("could not read private key")
	ErrCertRead    = errors.New("could not read certificate chain")
	ErrKeyMismatch = errors.New("private key does not match certificate")
	ErrPathPair    = errors.New("key and certificate paths must be given together")
)

// Identity is a private key together with the certificate chain that
// publishes its public half. Chain is ordered leaf first.
type Identity struct {
	PrivateKey crypto.Signer
	Chain      []*x509.Certificate

	// SelfSigned is set for identities generated at startup.
	SelfSigned bool
}

// Leaf returns the first certificate in the chain, or nil.
func (id *Identity) Leaf() *x509.Certificate {
	if id == nil || len(id.Chain) == 0 {
		return nil
	}
	return id.Chain[0]
}

// Verify checks that the chain is non-empty and that the private key
// belongs to the leaf certificate.
func (id *Identity) Verify() error {
	if id == nil || id.PrivateKey == nil {
		return ErrNoPrivateKey
	}
	leaf := id.Leaf()
	if leaf == nil {
		return ErrNoCertificate
	}

	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("%w: leaf key type %T", ErrUnsupportedKey, leaf.PublicKey)
	}
	if !pub.Equal(id.PrivateKey.Public()) {
		return ErrKeyMismatch
	}
	return nil
}

// TLSCertificate converts the identity to a tls.Certificate.
func (id *Identity) TLSCertificate() tls.Certificate {
	if id == nil {
		return tls.Certificate{}
	}
	chain := make([][]byte, 0, len(id.Chain))
	for _, c := range id.Chain {
		chain = append(chain, c.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Leaf(),
	}
}

// Fingerprint returns the hex SHA-256 digest of the leaf certificate.
func (id *Identity) Fingerprint() string {
	leaf := id.Leaf()
	if leaf == nil {
		return ""
	}
	sum := sha256.Sum256(leaf.Raw)
	return hex.EncodeToString(sum[:])
}

type resolveOptions struct {
	hostname string
	logger   zerolog.Logger
}

// Option configures Resolve.
type Option func(*resolveOptions)

// WithHostname sets the hostname a generated identity is issued for.
func WithHostname(hostname string) Option {
	return func(o *resolveOptions) {
		if hostname != "" {
			o.hostname = hostname
		}
	}
}

// WithLogger sets the logger used to report how the identity was obtained.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *resolveOptions) {
		o.logger = logger
	}
}

// Resolve returns the server identity. When both paths are set the key and
// certificate chain are loaded from disk. When both are empty a fresh
// self-signed identity is generated; it is never written anywhere, so every
// call yields an unrelated key pair.
func Resolve(keyPath, certPath string, opts ...Option) (*Identity, error) {
	o := resolveOptions{
		hostname: DefaultHostname,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case keyPath != "" && certPath != "":
		id, err := LoadFromDisk(keyPath, certPath)
		if err != nil {
			return nil, err
		}
		o.logger.Debug().
			Str("key", keyPath).
			Str("cert", certPath).
			Int("chain_len", len(id.Chain)).
			Msg("loaded identity from disk")
		return id, nil

	case keyPath == "" && certPath == "":
		o.logger.Info().Str("hostname", o.hostname).Msg("generating self-signed certificate")
		return GenerateSelfSigned(o.hostname)

	default:
		return nil, ErrPathPair
	}
}

// LoadFromDisk reads a PEM private key and a PEM certificate chain.
// Failures reading or decoding the key wrap ErrKeyRead; failures on the
// certificate side wrap ErrCertRead. Whether the two belong together is
// checked later, when the identity is turned into a TLS credential.
func LoadFromDisk(keyPath, certPath string) (*Identity, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRead, err)
	}
	key, err := DecodeKeyPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyRead, keyPath, err)
	}

	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertRead, err)
	}
	chain, err := DecodeChainPEM(certData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCertRead, certPath, err)
	}

	return &Identity{
		PrivateKey: key,
		Chain:      chain,
	}, nil
}
