// Package trust decides whether the transport-level trust material of a
// fetch is acceptable. It sits between the protocol handlers and the
// cache: nothing is stored or returned from an untrusted exchange.
package trust

import (
	"crypto/tls"
	"crypto/x509"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// State is the overall outcome of trust validation.
type State string

const (
	// Trusted means the transport trust chain validated.
	Trusted State = "trusted"
	// Untrusted means validation failed; Reason says why.
	Untrusted State = "untrusted"
	// NotApplicable means the protocol has no transport-level trust
	// concept (e.g. content-addressed retrieval, which verifies by hash).
	NotApplicable State = "not-applicable"
)

// Reason is the specific validation failure.
type Reason string

const (
	ReasonExpiredCertificate Reason = "expired-certificate"
	ReasonHostnameMismatch   Reason = "hostname-mismatch"
	ReasonUntrustedRoot      Reason = "untrusted-root"
	ReasonRevokedCertificate Reason = "revoked-certificate"
)

// Decision is the per-fetch validation outcome.
type Decision struct {
	State  State
	Reason Reason
	// Insecure is true when validation failed but the origin was
	// explicitly opted into insecure mode.
	Insecure bool
}

// OK reports whether the fetch may proceed past the validation gate.
func (d Decision) OK() bool {
	return d.State != Untrusted || d.Insecure
}

// Validator checks certificate chains against a root pool.
type Validator struct {
	roots *x509.CertPool
	// origins (hostnames) explicitly allowed to fail validation
	insecureOrigins map[string]bool
	revokedSerials  map[string]bool
	log             zerolog.Logger
	now             func() time.Time
}

// Config for creating a Validator.
type Config struct {
	// Roots to verify against. The system pool is used if nil.
	Roots *x509.CertPool
	// InsecureOrigins lists hostnames allowed to skip failed validation.
	// Every use of the exception is logged.
	InsecureOrigins []string
	// RevokedSerials is a local revocation list of certificate serial
	// numbers (decimal strings).
	RevokedSerials []string
	Logger          *zerolog.Logger
	// Now is for tests; time.Now if nil.
	Now func() time.Time
}

// NewValidator creates a validator from config.
func NewValidator(cfg Config) *Validator {
	insecure := make(map[string]bool, len(cfg.InsecureOrigins))
	for _, origin := range cfg.InsecureOrigins {
		insecure[strings.ToLower(origin)] = true
	}
	revoked := make(map[string]bool, len(cfg.RevokedSerials))
	for _, serial := range cfg.RevokedSerials {
		revoked[serial] = true
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		roots:           cfg.Roots,
		insecureOrigins: insecure,
		revokedSerials:  revoked,
		log:             logger,
		now:             now,
	}
}

// Validate checks the trust material of one exchange.
// A nil state means the protocol carried no trust material and the
// decision is NotApplicable (content-addressed protocols verify by hash
// in the handler instead).
func (v *Validator) Validate(protocol, host string, state *tls.ConnectionState) Decision {
	if state == nil || len(state.PeerCertificates) == 0 {
		return Decision{State: NotApplicable}
	}

	leaf := state.PeerCertificates[0]
	if v.revokedSerials[leaf.SerialNumber.String()] {
		return v.failed(protocol, host, ReasonRevokedCertificate, nil)
	}
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		DNSName:       host,
		CurrentTime:   v.now(),
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range state.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	if _, err := leaf.Verify(opts); err != nil {
		return v.failed(protocol, host, reasonForError(err), err)
	}
	return Decision{State: Trusted}
}

func (v *Validator) failed(protocol, host string, reason Reason, err error) Decision {
	if v.insecureOrigins[strings.ToLower(host)] {
		// explicit opt-in, never a silent downgrade
		v.log.Warn().
			Str("protocol", protocol).
			Str("host", host).
			Str("reason", string(reason)).
			Msg("Allowing insecure origin despite failed trust validation")
		return Decision{State: Untrusted, Reason: reason, Insecure: true}
	}
	v.log.Debug().
		Str("protocol", protocol).
		Str("host", host).
		Str("reason", string(reason)).
		Err(err).
		Msg("Trust validation failed")
	return Decision{State: Untrusted, Reason: reason}
}

func reasonForError(err error) Reason {
	switch e := err.(type) {
	case x509.CertificateInvalidError:
		if e.Reason == x509.Expired {
			return ReasonExpiredCertificate
		}
		return ReasonUntrustedRoot
	case x509.HostnameError:
		return ReasonHostnameMismatch
	case x509.UnknownAuthorityError:
		return ReasonUntrustedRoot
	}
	return ReasonUntrustedRoot
}
