package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key algorithms accepted by GenerateKey
const (
	AlgorithmRSA     = "rsa"
	AlgorithmEd25519 = "ed25519"
)

const rsaBits = 2048

// KeyPair is a DKIM private key bound to a domain and selector
type KeyPair struct {
	PrivateKey crypto.Signer
	Domain     string
	Selector   string
}

// GenerateKey creates a new key pair. An empty algorithm means rsa.
func GenerateKey(domain, selector, algorithm string) (*KeyPair, error) {
	var key crypto.Signer

	switch strings.ToLower(algorithm) {
	case "", AlgorithmRSA:
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		key = k
	case AlgorithmEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
		}
		key = k
	default:
		return nil, fmt.Errorf("unsupported key algorithm: %s", algorithm)
	}

	return &KeyPair{PrivateKey: key, Domain: domain, Selector: selector}, nil
}

// SavePrivateKey writes the key as PKCS#8 PEM with owner-only permissions
func (kp *KeyPair) SavePrivateKey(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer file.Close()

	if err := pem.Encode(file, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	return nil
}

// Algorithm returns the k= tag value for the key
func (kp *KeyPair) Algorithm() string {
	return keyAlgorithm(kp.PrivateKey)
}

// DNSRecord returns the TXT record to publish at DNSName
func (kp *KeyPair) DNSRecord() (string, error) {
	return dnsRecord(kp.PrivateKey)
}

// DNSName returns the DNS record name for DKIM
func (kp *KeyPair) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", kp.Selector, kp.Domain)
}

func keyAlgorithm(key crypto.Signer) string {
	if _, ok := key.(ed25519.PrivateKey); ok {
		return AlgorithmEd25519
	}
	return AlgorithmRSA
}

func dnsRecord(key crypto.Signer) (string, error) {
	var pub []byte
	switch k := key.Public().(type) {
	case ed25519.PublicKey:
		// Ed25519 records carry the raw 32-byte key
		pub = k
	default:
		der, err := x509.MarshalPKIXPublicKey(k)
		if err != nil {
			return "", fmt.Errorf("failed to marshal public key: %w", err)
		}
		pub = der
	}
	return fmt.Sprintf("v=DKIM1; k=%s; p=%s", keyAlgorithm(key), base64.StdEncoding.EncodeToString(pub)), nil
}

// LoadPrivateKey reads an RSA or Ed25519 private key from a PEM file
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey parses a PKCS#1 or PKCS#8 PEM private key
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
