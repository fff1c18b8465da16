package cert

import (
	"net"
	"time"
)

// CertificateInfo is a human-readable summary of an identity's leaf.
type CertificateInfo struct {
	CommonName  string
	Issuer      string
	DNSNames    []string
	IPAddresses []net.IP
	NotBefore   time.Time
	NotAfter    time.Time
	ChainLength int
	SelfSigned  bool
	Fingerprint string
}

// Info summarizes the identity, or returns nil when it has no leaf.
func (id *Identity) Info() *CertificateInfo {
	leaf := id.Leaf()
	if leaf == nil {
		return nil
	}

	return &CertificateInfo{
		CommonName:  leaf.Subject.CommonName,
		Issuer:      leaf.Issuer.CommonName,
		DNSNames:    leaf.DNSNames,
		IPAddresses: leaf.IPAddresses,
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		ChainLength: len(id.Chain),
		SelfSigned:  id.SelfSigned,
		Fingerprint: id.Fingerprint(),
	}
}

// ExpiresWithin reports whether the leaf stops being valid within d of now.
func (ci *CertificateInfo) ExpiresWithin(d time.Duration, now time.Time) bool {
	return !ci.NotAfter.After(now.Add(d))
}
