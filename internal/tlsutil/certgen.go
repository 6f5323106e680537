package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// OIDEmailAddress is the legacy PKCS#9 emailAddress subject attribute. The
// certificate strategy reads the caller's email from it.
var OIDEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Default validity periods.
const (
	DefaultCAValidity   = 10 * 365 * 24 * time.Hour
	DefaultLeafValidity = 365 * 24 * time.Hour
)

// CA is a certificate authority able to issue server and client material.
type CA struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Key     *ecdsa.PrivateKey
	KeyPEM  []byte
}

// Issued is a PEM encoded certificate and its private key.
type Issued struct {
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// ServerRequest describes a server certificate.
type ServerRequest struct {
	CommonName string
	// Hosts are DNS names or IP addresses. Empty issues a wildcard.
	Hosts    []string
	Validity time.Duration
}

// ClientRequest describes a client certificate. Email, when set, is written
// both as an EMAILADDRESS subject attribute and as a SAN.
type ClientRequest struct {
	CommonName   string
	Email        string
	Organization string
	Validity     time.Duration
}

// GenerateCA creates a self-signed ECDSA P-256 authority.
func GenerateCA(commonName string, validity time.Duration) (*CA, error) {
	if validity <= 0 {
		validity = DefaultCAValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generate ca key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: orDefault(commonName, "gridgate-ca")},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	issued, err := sign(tmpl, tmpl, &key.PublicKey, key, key)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: create ca: %w", err)
	}
	return &CA{Cert: issued.Cert, CertPEM: issued.CertPEM, Key: key, KeyPEM: issued.KeyPEM}, nil
}

// IssueServer issues a certificate usable for TLS server authentication.
func (ca *CA) IssueServer(req ServerRequest) (*Issued, error) {
	if ca == nil {
		return nil, errors.New("tlsutil: nil ca")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generate server key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: orDefault(req.CommonName, "gridgate-server")},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validityOr(req.Validity)),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	for _, host := range req.Hosts {
		host = strings.TrimSpace(host)
		switch ip := net.ParseIP(host); {
		case host == "":
		case ip != nil:
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		default:
			tmpl.DNSNames = append(tmpl.DNSNames, host)
		}
	}
	if len(tmpl.DNSNames) == 0 && len(tmpl.IPAddresses) == 0 {
		tmpl.DNSNames = []string{"*"}
	}
	issued, err := sign(tmpl, ca.Cert, &key.PublicKey, ca.Key, key)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: create server certificate: %w", err)
	}
	return issued, nil
}

// IssueClient issues a certificate for TLS client authentication.
func (ca *CA) IssueClient(req ClientRequest) (*Issued, error) {
	if ca == nil {
		return nil, errors.New("tlsutil: nil ca")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generate client key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	subject := pkix.Name{CommonName: orDefault(req.CommonName, "gridgate-client")}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validityOr(req.Validity)),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		subject.ExtraNames = append(subject.ExtraNames, pkix.AttributeTypeAndValue{Type: OIDEmailAddress, Value: email})
		tmpl.EmailAddresses = []string{email}
	}
	tmpl.Subject = subject
	issued, err := sign(tmpl, ca.Cert, &key.PublicKey, ca.Key, key)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: create client certificate: %w", err)
	}
	return issued, nil
}

// ParseCA reads a CA certificate and its private key from PEM data.
func ParseCA(data []byte) (*CA, error) {
	ca := &CA{}
	var keys []pemKey
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("tlsutil: parse ca certificate: %w", err)
			}
			if cert.IsCA && ca.Cert == nil {
				ca.Cert = cert
				ca.CertPEM = pem.EncodeToMemory(block)
			}
		default:
			if k, ok, err := decodeKey(block); err != nil {
				return nil, err
			} else if ok {
				keys = append(keys, k)
			}
		}
	}
	if ca.Cert == nil {
		return nil, errors.New("tlsutil: ca certificate not found")
	}
	k, ok := matchKey(ca.Cert, keys)
	if !ok {
		return nil, errors.New("tlsutil: ca private key not found")
	}
	ecKey, isEC := k.signer.(*ecdsa.PrivateKey)
	if !isEC {
		return nil, fmt.Errorf("tlsutil: ca key must be ecdsa, got %T", k.signer)
	}
	ca.Key = ecKey
	ca.KeyPEM = k.pem
	return ca, nil
}

// Bundle concatenates the CA certificate and key.
func (ca *CA) Bundle() []byte {
	out := append([]byte(nil), ca.CertPEM...)
	return append(out, ca.KeyPEM...)
}

func sign(tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer, key *ecdsa.PrivateKey) (*Issued, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &Issued{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generate serial: %w", err)
	}
	return serial, nil
}

// SerialHex is the denylist form of a certificate serial.
func SerialHex(cert *x509.Certificate) string {
	return strings.ToLower(cert.SerialNumber.Text(16))
}

func validityOr(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLeafValidity
	}
	return d
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
