package yggdrasil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const signerKeyBits = 4096

// Signer holds the process-wide RSA keypair used to sign profile property
// values. The keypair is generated once at startup and never rotated; the
// handle is immutable after construction and safe for concurrent use.
type Signer struct {
	privateKey   *rsa.PrivateKey
	publicKeyPEM string
}

// NewSigner generates a fresh 4096-bit RSA keypair.
func NewSigner() (*Signer, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, signerKeyBits)
	if err != nil {
		return nil, fmt.Errorf("signer.generate: %w", err)
	}
	return newSignerFromKey(privateKey)
}

// NewSignerFromPEM loads a previously exported PKCS#1 or PKCS#8 private key.
func NewSignerFromPEM(pemText []byte) (*Signer, error) {
	block, _ := pem.Decode(pemText)
	if block == nil {
		return nil, fmt.Errorf("signer.load: no PEM block found")
	}
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newSignerFromKey(parsed)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signer.load: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signer.load: key is not RSA")
	}
	return newSignerFromKey(rsaKey)
}

func newSignerFromKey(privateKey *rsa.PrivateKey) (*Signer, error) {
	encodedPublic, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signer.export_public: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: encodedPublic,
	})
	return &Signer{
		privateKey:   privateKey,
		publicKeyPEM: string(publicPEM),
	}, nil
}

// Sign produces a SHA1-with-RSA signature over the payload. Launchers and
// game servers verify profile properties with this exact scheme.
func (signer *Signer) Sign(payload []byte) ([]byte, error) {
	digest := sha1.Sum(payload)
	signature, err := rsa.SignPKCS1v15(rand.Reader, signer.privateKey, crypto.SHA1, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signer.sign: %w", err)
	}
	return signature, nil
}

// Verify reports whether signature matches payload under the signer's key.
func (signer *Signer) Verify(payload []byte, signature []byte) error {
	digest := sha1.Sum(payload)
	if err := rsa.VerifyPKCS1v15(&signer.privateKey.PublicKey, crypto.SHA1, digest[:], signature); err != nil {
		return fmt.Errorf("signer.verify: %w", err)
	}
	return nil
}

// PublicKeyPEM returns the PEM-encoded SubjectPublicKeyInfo advertised in the
// server metadata document.
func (signer *Signer) PublicKeyPEM() string {
	return signer.publicKeyPEM
}
