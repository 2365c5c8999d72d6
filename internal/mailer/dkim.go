package mailer

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer signs outgoing messages with DKIM
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     domain,
		selector:   selector,
	}
}

// NewSignerFromFile creates a DKIM signer from a PEM key file
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector), nil
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// LoadPrivateKey reads an RSA key in PKCS#1 or PKCS#8 PEM form
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not RSA", path)
	}
	return key, nil
}
