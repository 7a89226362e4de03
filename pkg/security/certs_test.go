package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool
	pem  []byte
}

func newTestCA(t *testing.T, cn string) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	return &testCA{
		cert: cert,
		key:  key,
		pool: pool,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (ca *testCA) issue(t *testing.T, serial int64, cn string) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func (ca *testCA) revocationList(t *testing.T, serials ...int64) *x509.RevocationList {
	t.Helper()

	var entries []x509.RevocationListEntry
	for _, s := range serials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(s),
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                time.Now().Add(time.Hour),
		RevokedCertificateEntries: entries,
	}, ca.cert, ca.key)
	require.NoError(t, err)

	crl, err := LoadCRL(pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), ca.cert)
	require.NoError(t, err)
	return crl
}

func TestVerifyAppCertificate(t *testing.T) {
	ca := newTestCA(t, "Nextcloud Code Signing Root")
	other := newTestCA(t, "Someone Else")
	crl := ca.revocationList(t, 13)

	tests := []struct {
		name     string
		appID    string
		certPEM  []byte
		wantKind VerificationErrorKind
	}{
		{
			name:    "valid certificate",
			appID:   "foo",
			certPEM: ca.issue(t, 10, "foo"),
		},
		{
			name:     "revoked serial",
			appID:    "foo",
			certPEM:  ca.issue(t, 13, "foo"),
			wantKind: Revoked,
		},
		{
			name:     "issued by unknown CA",
			appID:    "foo",
			certPEM:  other.issue(t, 11, "foo"),
			wantKind: UntrustedIssuer,
		},
		{
			name:     "issued for another app",
			appID:    "foo",
			certPEM:  ca.issue(t, 12, "bar"),
			wantKind: AppIDMismatch,
		},
		{
			name:     "missing common name",
			appID:    "foo",
			certPEM:  ca.issue(t, 14, ""),
			wantKind: NoCommonName,
		},
		{
			name:     "garbage input",
			appID:    "foo",
			certPEM:  []byte("not a certificate"),
			wantKind: Malformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verified, err := VerifyAppCertificate(tt.appID, tt.certPEM, ca.pool, crl)
			if tt.wantKind == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.appID, verified.AppID)
				return
			}
			require.Error(t, err)
			assert.Nil(t, verified)
			assert.True(t, IsVerificationError(err, tt.wantKind), "got %v", err)
		})
	}
}

func TestLoadCRL_RejectsForeignSignature(t *testing.T) {
	ca := newTestCA(t, "root")
	other := newTestCA(t, "other")

	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().Add(time.Hour),
	}, other.cert, other.key)
	require.NoError(t, err)

	_, err = LoadCRL(der, ca.cert)
	assert.Error(t, err)
}

func TestNewClientTLSConfig(t *testing.T) {
	ca := newTestCA(t, "daemon CA")
	bundle := filepath.Join(t.TempDir(), "ca-bundle.crt")
	require.NoError(t, os.WriteFile(bundle, ca.pem, 0600))

	cfg, err := NewClientTLSConfig(ClientTLSOptions{CABundlePath: bundle})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)

	cfg, err = NewClientTLSConfig(ClientTLSOptions{CABundlePath: bundle, InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = NewClientTLSConfig(ClientTLSOptions{CABundlePath: filepath.Join(t.TempDir(), "missing.crt")})
	assert.Error(t, err)

	_, err = NewClientTLSConfig(ClientTLSOptions{CertPEM: "bad", KeyPEM: "bad"})
	assert.Error(t, err)
}
