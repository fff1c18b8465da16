package cert

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// PEM block types understood by the decoder.
const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypePKCS8       = "PRIVATE KEY"
	pemTypePKCS1       = "RSA PRIVATE KEY"
	pemTypeEC          = "EC PRIVATE KEY"
)

// PEM encoding/decoding errors.
var (
	ErrInvalidPEM     = errors.New("invalid PEM data")
	ErrNoPrivateKey   = errors.New("no private keys found")
	ErrNoCertificate  = errors.New("no certificates found")
	ErrUnsupportedKey = errors.New("unsupported private key type")
)

// EncodeCertPEM encodes an X.509 certificate to PEM format.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeCertificate,
		Bytes: cert.Raw,
	})
}

// EncodeChainPEM encodes a certificate chain, leaf first.
func EncodeChainPEM(chain []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range chain {
		buf.Write(EncodeCertPEM(c))
	}
	return buf.Bytes()
}

// DecodeChainPEM decodes every CERTIFICATE block in data, preserving order.
// Blocks of other types are skipped. A CERTIFICATE block that does not parse
// is an error, and so is any block that pem.Decode cannot read at all.
func DecodeChainPEM(data []byte) ([]*x509.Certificate, error) {
	var (
		chain  []*x509.Certificate
		blocks int
	)
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks++
		if block.Type != pemTypeCertificate {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrInvalidPEM, len(chain), err)
		}
		chain = append(chain, c)
	}

	// pem.Decode steps over blocks it cannot read, so compare against the
	// number of BEGIN lines.
	if markers := countBeginLines(data); markers > blocks {
		return nil, fmt.Errorf("%w: %d of %d blocks unreadable", ErrInvalidPEM, markers-blocks, markers)
	}
	if len(chain) == 0 {
		return nil, ErrNoCertificate
	}
	return chain, nil
}

var pemBegin = []byte("-----BEGIN ")

func countBeginLines(data []byte) int {
	n := bytes.Count(data, append([]byte("\n"), pemBegin...))
	if bytes.HasPrefix(data, pemBegin) {
		n++
	}
	return n
}

// EncodeKeyPEM encodes a private key as a PKCS #8 PEM block.
func EncodeKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemTypePKCS8,
		Bytes: der,
	}), nil
}

// DecodeKeyPEM returns the first private key found in data. PKCS #8,
// PKCS #1 and SEC 1 blocks are accepted; anything else is skipped.
func DecodeKeyPEM(data []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrNoPrivateKey
		}

		var (
			key any
			err error
		)
		switch block.Type {
		case pemTypePKCS8:
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case pemTypePKCS1:
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case pemTypeEC:
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPEM, block.Type, err)
		}

		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
		}
		return signer, nil
	}
}

// WriteCertFile writes a certificate chain to a PEM file.
func WriteCertFile(path string, chain ...*x509.Certificate) error {
	return os.WriteFile(path, EncodeChainPEM(chain), 0644)
}

// ReadCertFile reads a certificate chain from a PEM file.
func ReadCertFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeChainPEM(data)
}

// WriteKeyFile writes a private key to a PEM file with restricted permissions.
func WriteKeyFile(path string, key crypto.Signer) error {
	data, err := EncodeKeyPEM(key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadKeyFile reads a private key from a PEM file.
func ReadKeyFile(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeKeyPEM(data)
}
