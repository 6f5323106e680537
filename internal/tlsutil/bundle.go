// Package tlsutil issues and loads the PEM material used for mutual TLS
// between gridgate and its callers.
package tlsutil

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// denylistBlock is the PEM block type carrying revoked serials inside a
// server bundle.
const denylistBlock = "GRIDGATE DENYLIST"

// ServerBundle is a parsed server PEM bundle: CA certificates, the server
// certificate chain with its key and any embedded denylist.
type ServerBundle struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	CA          *x509.Certificate
	CAPool      *x509.CertPool
	// Revoked holds serials embedded in the bundle.
	Revoked []string
}

// ClientBundle is a parsed client PEM bundle.
type ClientBundle struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	CAPool      *x509.CertPool
}

type pemKey struct {
	signer crypto.Signer
	pem    []byte
}

type parsedPEM struct {
	cas     []*x509.Certificate
	leaves  []*x509.Certificate
	leafPEM []byte
	keys    []pemKey
	revoked []string
}

func parsePEM(data []byte) (*parsedPEM, error) {
	out := &parsedPEM{}
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("tlsutil: parse certificate: %w", err)
			}
			if cert.IsCA {
				out.cas = append(out.cas, cert)
				continue
			}
			out.leaves = append(out.leaves, cert)
			out.leafPEM = append(out.leafPEM, pem.EncodeToMemory(block)...)
		case denylistBlock:
			out.revoked = append(out.revoked, strings.Split(string(block.Bytes), "\n")...)
		default:
			k, ok, err := decodeKey(block)
			if err != nil {
				return nil, err
			}
			if ok {
				out.keys = append(out.keys, k)
			}
		}
	}
	return out, nil
}

func (p *parsedPEM) keyPair(kind string) (tls.Certificate, *x509.Certificate, error) {
	if len(p.leaves) == 0 {
		return tls.Certificate{}, nil, fmt.Errorf("tlsutil: %s certificate not found", kind)
	}
	leaf := p.leaves[0]
	k, ok := matchKey(leaf, p.keys)
	if !ok {
		return tls.Certificate{}, nil, fmt.Errorf("tlsutil: %s private key not found", kind)
	}
	pair, err := tls.X509KeyPair(p.leafPEM, k.pem)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("tlsutil: %s key pair: %w", kind, err)
	}
	return pair, leaf, nil
}

func (p *parsedPEM) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, ca := range p.cas {
		pool.AddCert(ca)
	}
	return pool
}

// LoadServerBundle reads a server bundle from path.
func LoadServerBundle(path string) (*ServerBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read server bundle: %w", err)
	}
	return ParseServerBundle(data)
}

// ParseServerBundle parses server bundle PEM data.
func ParseServerBundle(data []byte) (*ServerBundle, error) {
	p, err := parsePEM(data)
	if err != nil {
		return nil, err
	}
	if len(p.cas) == 0 {
		return nil, errors.New("tlsutil: server bundle has no CA certificate")
	}
	pair, leaf, err := p.keyPair("server")
	if err != nil {
		return nil, err
	}
	return &ServerBundle{
		Certificate: pair,
		Leaf:        leaf,
		CA:          p.cas[0],
		CAPool:      p.pool(),
		Revoked:     NormalizeSerials(p.revoked),
	}, nil
}

// LoadClientBundle reads a client bundle from path.
func LoadClientBundle(path string) (*ClientBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read client bundle: %w", err)
	}
	return ParseClientBundle(data)
}

// ParseClientBundle parses client bundle PEM data.
func ParseClientBundle(data []byte) (*ClientBundle, error) {
	p, err := parsePEM(data)
	if err != nil {
		return nil, err
	}
	if len(p.cas) == 0 {
		return nil, errors.New("tlsutil: client bundle has no CA certificate")
	}
	pair, leaf, err := p.keyPair("client")
	if err != nil {
		return nil, err
	}
	return &ClientBundle{Certificate: pair, Leaf: leaf, CAPool: p.pool()}, nil
}

// ClientConfig returns a TLS client configuration presenting the bundle's
// certificate and trusting its CA.
func (b *ClientBundle) ClientConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{b.Certificate},
		RootCAs:      b.CAPool,
	}
}

// EncodeServerBundle assembles a server bundle. revoked may be empty.
func EncodeServerBundle(ca *CA, server *Issued, revoked []string) ([]byte, error) {
	if ca == nil || server == nil {
		return nil, errors.New("tlsutil: server bundle needs a ca and a server certificate")
	}
	var buf bytes.Buffer
	buf.Write(ca.CertPEM)
	buf.Write(server.CertPEM)
	buf.Write(server.KeyPEM)
	if serials := NormalizeSerials(revoked); len(serials) > 0 {
		buf.Write(pem.EncodeToMemory(&pem.Block{Type: denylistBlock, Bytes: []byte(strings.Join(serials, "\n"))}))
	}
	return buf.Bytes(), nil
}

// EncodeClientBundle assembles a client bundle.
func EncodeClientBundle(ca *CA, client *Issued) ([]byte, error) {
	if ca == nil || client == nil {
		return nil, errors.New("tlsutil: client bundle needs a ca and a client certificate")
	}
	var buf bytes.Buffer
	buf.Write(ca.CertPEM)
	buf.Write(client.CertPEM)
	buf.Write(client.KeyPEM)
	return buf.Bytes(), nil
}

func decodeKey(block *pem.Block) (pemKey, bool, error) {
	var (
		key any
		err error
	)
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return pemKey{}, false, nil
	}
	if err != nil {
		return pemKey{}, false, fmt.Errorf("tlsutil: parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return pemKey{}, false, fmt.Errorf("tlsutil: unsupported private key %T", key)
	}
	return pemKey{signer: signer, pem: pem.EncodeToMemory(block)}, true, nil
}

func matchKey(cert *x509.Certificate, keys []pemKey) (pemKey, bool) {
	for _, k := range keys {
		if publicKeysEqual(cert.PublicKey, k.signer.Public()) {
			return k, true
		}
	}
	return pemKey{}, false
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case *ecdsa.PublicKey:
		return ak.Equal(b)
	case *rsa.PublicKey:
		return ak.Equal(b)
	case ed25519.PublicKey:
		return ak.Equal(b)
	default:
		return false
	}
}
