// Package identity manages the host's self-signed TLS end-entity
// certificate: generation on first run, persistence to a user-scoped
// configuration directory, and fingerprint derivation for out-of-band TOFU
// pinning (spec.md §4.3).
//
// The load-or-generate shape is grounded on the key-persistence pattern in
// sambhavthakkar-QuantaraX's crypto/identity package (LoadOrCreate,
// os.MkdirAll(dir, 0o700), branch on fs.ErrNotExist to regenerate).
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

const (
	subjectCommonName = "comacode-host"
	certFileName      = "cert.der"
	keyFileName       = "key.der"
	certValidity      = 10 * 365 * 24 * time.Hour
)

// Identity holds the host's persistent TLS leaf certificate and key, plus
// its derived fingerprint.
type Identity struct {
	Certificate tls.Certificate
	Fingerprint string // normalized uppercase hex, no separators
}

// DefaultDir returns the per-user configuration directory identity
// material is persisted under.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", trace.Wrap(err, "resolving user config directory")
	}
	return filepath.Join(dir, "comacode-hostd"), nil
}

// LoadOrCreate loads a persisted identity from dir, generating and
// persisting a new one if none exists.
func LoadOrCreate(dir string) (*Identity, error) {
	certPath := filepath.Join(dir, certFileName)
	keyPath := filepath.Join(dir, keyFileName)

	id, err := load(certPath, keyPath)
	if err == nil {
		return id, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.Wrap(err, "creating identity directory %q", dir)
	}
	certDER, keyDER, err := generate()
	if err != nil {
		return nil, trace.Wrap(err, "generating self-signed identity")
	}
	if err := os.WriteFile(certPath, certDER, 0o600); err != nil {
		return nil, trace.Wrap(err, "persisting certificate")
	}
	if err := os.WriteFile(keyPath, keyDER, 0o600); err != nil {
		return nil, trace.Wrap(err, "persisting private key")
	}
	return fromDER(certDER, keyDER)
}

func load(certPath, keyPath string) (*Identity, error) {
	certDER, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no persisted certificate at %q", certPath)
		}
		return nil, trace.Wrap(err, "reading certificate")
	}
	keyDER, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no persisted key at %q", keyPath)
		}
		return nil, trace.Wrap(err, "reading private key")
	}
	return fromDER(certDER, keyDER)
}

func fromDER(certDER, keyDER []byte) (*Identity, error) {
	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, trace.Wrap(err, "parsing persisted private key")
	}
	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}
	return &Identity{
		Certificate: cert,
		Fingerprint: Fingerprint(certDER),
	}, nil
}

func generate() (certDER, keyDER []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, trace.Wrap(err, "generating key pair")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, trace.Wrap(err, "generating serial number")
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subjectCommonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         false,
	}
	certDER, err = x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, trace.Wrap(err, "creating self-signed certificate")
	}
	keyDER, err = x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, trace.Wrap(err, "marshaling private key")
	}
	return certDER, keyDER, nil
}

// Fingerprint computes the canonical SHA-256 fingerprint over a DER-encoded
// certificate, rendered as normalized (separator-free, uppercase)
// hexadecimal.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return NormalizeFingerprint(hexEncode(sum[:]))
}

// NormalizeFingerprint strips all non-alphanumeric characters and
// uppercases the rest, so that "aa:bb", "AABB", and "aa-bb" all compare
// equal (spec.md §4.3, testable property 5).
func NormalizeFingerprint(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(b.String())
}

// FingerprintsEqual reports whether two fingerprint representations
// (arbitrary separators, either case) denote the same certificate.
func FingerprintsEqual(a, b string) bool {
	return NormalizeFingerprint(a) == NormalizeFingerprint(b)
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}
