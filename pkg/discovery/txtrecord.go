package discovery

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records for an endpoint.
func EncodeTXT(info *ServiceInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyALPN:        info.ALPN,
		TXTKeyFingerprint: info.Fingerprint,
	}
	if info.Version != "" {
		txt[TXTKeyVersion] = info.Version
	}
	return txt
}

// DecodeTXT parses TXT records into the announced fields. Instance and Port
// are left for the caller, who has them from the SRV record.
func DecodeTXT(txt TXTRecordMap) (*ServiceInfo, error) {
	info := &ServiceInfo{}

	var ok bool
	info.ALPN, ok = txt[TXTKeyALPN]
	if !ok || info.ALPN == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyALPN)
	}

	info.Fingerprint, ok = txt[TXTKeyFingerprint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyFingerprint)
	}
	if !isHex(info.Fingerprint) {
		return nil, fmt.Errorf("%w: %s is not hex", ErrInvalidTXTRecord, TXTKeyFingerprint)
	}

	info.Version = txt[TXTKeyVersion]

	return info, nil
}

// Validate checks that info can be announced.
func (info *ServiceInfo) Validate() error {
	if err := ValidateInstanceName(info.Instance); err != nil {
		return err
	}
	if info.Port == 0 {
		return ErrInvalidPort
	}
	if info.ALPN == "" {
		return fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyALPN)
	}
	for k, v := range EncodeTXT(info) {
		if len(k)+1+len(v) > MaxTXTValueLen {
			return fmt.Errorf("%w: %s too long", ErrInvalidTXTRecord, k)
		}
	}
	return nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if found {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}

// DefaultInstanceName derives an instance name from the certificate
// fingerprint, so two endpoints on one host get distinct names.
func DefaultInstanceName(fingerprint string) string {
	if len(fingerprint) > 12 {
		fingerprint = fingerprint[:12]
	}
	if fingerprint == "" {
		return "spork"
	}
	return "spork-" + fingerprint
}

// NewServiceInfo builds the announcement for an endpoint bound to addr.
// An empty instance name is replaced by DefaultInstanceName.
func NewServiceInfo(instance string, addr net.Addr, alpn, fingerprint, version string) (*ServiceInfo, error) {
	if addr == nil {
		return nil, ErrInvalidPort
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPort, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPort, portStr)
	}

	if instance == "" {
		instance = DefaultInstanceName(fingerprint)
	}
	info := &ServiceInfo{
		Instance:    instance,
		Port:        uint16(port),
		ALPN:        alpn,
		Fingerprint: fingerprint,
		Version:     version,
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
