package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// VerificationErrorKind classifies why an app certificate was rejected
type VerificationErrorKind string

const (
	Revoked         VerificationErrorKind = "revoked"
	UntrustedIssuer VerificationErrorKind = "untrusted_issuer"
	AppIDMismatch   VerificationErrorKind = "appid_mismatch"
	NoCommonName    VerificationErrorKind = "no_common_name"
	Malformed       VerificationErrorKind = "malformed"
)

// VerificationError is returned by VerifyAppCertificate
type VerificationError struct {
	Kind    VerificationErrorKind
	AppID   string
	Message string
}

func (e *VerificationError) Error() string {
	return e.Message
}

// IsVerificationError reports whether err is a VerificationError of the given kind
func IsVerificationError(err error, kind VerificationErrorKind) bool {
	var verr *VerificationError
	return errors.As(err, &verr) && verr.Kind == kind
}

// Verified describes a certificate that passed every check
type Verified struct {
	AppID        string
	SerialNumber string
	Certificate  *x509.Certificate
}

// VerifyAppCertificate validates an app's code-signing certificate: it must
// not be listed in crl, must chain to roots, and its CN must equal appID.
// crl may be nil when no revocation list is available.
func VerifyAppCertificate(appID string, certPEM []byte, roots *x509.CertPool, crl *x509.RevocationList) (*Verified, error) {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, &VerificationError{
			Kind:    Malformed,
			AppID:   appID,
			Message: fmt.Sprintf("App with id %s has an unreadable certificate: %v", appID, err),
		}
	}

	serial := cert.SerialNumber.String()
	if crl != nil {
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return nil, &VerificationError{
					Kind:    Revoked,
					AppID:   appID,
					Message: fmt.Sprintf("Certificate %q has been revoked", serial),
				}
			}
		}
	}

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return nil, &VerificationError{
			Kind:    UntrustedIssuer,
			AppID:   appID,
			Message: fmt.Sprintf("App with id %s has a certificate not issued by a trusted Code Signing Authority", appID),
		}
	}

	if cert.Subject.CommonName == "" {
		return nil, &VerificationError{
			Kind:    NoCommonName,
			AppID:   appID,
			Message: fmt.Sprintf("App with id %s has a cert with no CN", appID),
		}
	}
	if cert.Subject.CommonName != appID {
		return nil, &VerificationError{
			Kind:    AppIDMismatch,
			AppID:   appID,
			Message: fmt.Sprintf("App with id %s has a cert issued to %s", appID, cert.Subject.CommonName),
		}
	}

	return &Verified{AppID: appID, SerialNumber: serial, Certificate: cert}, nil
}

// LoadCRL parses a PEM or DER certificate revocation list and checks its
// signature against issuer
func LoadCRL(data []byte, issuer *x509.Certificate) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if issuer != nil {
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return nil, fmt.Errorf("could not validate CRL signature: %w", err)
		}
	}
	return crl, nil
}

// LoadCertPool reads every certificate in a PEM bundle file
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// ClientTLSOptions describe the TLS material used to reach a daemon
type ClientTLSOptions struct {
	// CABundlePath verifies the daemon; empty uses system roots
	CABundlePath string
	CertPEM      string
	KeyPEM       string
	// KeyPassword decrypts a legacy encrypted PEM key
	KeyPassword string
	// InsecureSkipVerify disables verification for trusted-local daemons
	InsecureSkipVerify bool
}

// NewClientTLSConfig builds the tls.Config used by daemon HTTP clients
func NewClientTLSConfig(opts ClientTLSOptions) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // trusted-local daemons only
	}

	if opts.CABundlePath != "" && !opts.InsecureSkipVerify {
		pool, err := LoadCertPool(opts.CABundlePath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if opts.CertPEM != "" && opts.KeyPEM != "" {
		keyPEM := []byte(opts.KeyPEM)
		if opts.KeyPassword != "" {
			decrypted, err := decryptKeyPEM(keyPEM, opts.KeyPassword)
			if err != nil {
				return nil, err
			}
			keyPEM = decrypted
		}
		cert, err := tls.X509KeyPair([]byte(opts.CertPEM), keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func decryptKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode client key PEM")
	}
	//nolint:staticcheck // legacy encrypted PEM keys are still issued for daemon TLS
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	//nolint:staticcheck
	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}
