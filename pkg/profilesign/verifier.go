// Package profilesign verifies signed yggdrasil profile properties. Game
// servers and launchers embed it to check that a profile payload really came
// from the authentication server whose public key they pinned.
package profilesign

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
)

// Sentinel errors exposed by the verifier.
var (
	ErrInvalidPublicKey = errors.New("profilesign.invalid_public_key")
	ErrInvalidSignature = errors.New("profilesign.invalid_signature")
	ErrMissingProperty  = errors.New("profilesign.missing_property")
	ErrInvalidTextures  = errors.New("profilesign.invalid_textures_value")
)

// Property is one name/value pair from a profile response.
type Property struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Signature string `json:"signature,omitempty"`
}

// TextureReference points at one hosted texture image.
type TextureReference struct {
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TexturesDocument is the decoded form of the base64 textures property.
type TexturesDocument struct {
	Timestamp   int64                       `json:"timestamp"`
	ProfileID   string                      `json:"profileId"`
	ProfileName string                      `json:"profileName"`
	Textures    map[string]TextureReference `json:"textures"`
}

// ParsePublicKey decodes the PEM public key advertised in the server
// metadata document.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return publicKey, nil
}

// VerifyProperty checks the SHA1-with-RSA signature over the property value.
func VerifyProperty(publicKey *rsa.PublicKey, property Property) error {
	if property.Signature == "" {
		return fmt.Errorf("%w: property %q carries no signature", ErrInvalidSignature, property.Name)
	}
	signature, decodeErr := base64.StdEncoding.DecodeString(property.Signature)
	if decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, decodeErr)
	}
	digest := sha1.Sum([]byte(property.Value))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA1, digest[:], signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// FindProperty locates a property by name.
func FindProperty(properties []Property, name string) (Property, bool) {
	for _, property := range properties {
		if property.Name == name {
			return property, true
		}
	}
	return Property{}, false
}

// DecodeTextures decodes a base64 textures property value.
func DecodeTextures(value string) (TexturesDocument, error) {
	raw, decodeErr := base64.StdEncoding.DecodeString(value)
	if decodeErr != nil {
		return TexturesDocument{}, fmt.Errorf("%w: %v", ErrInvalidTextures, decodeErr)
	}
	var document TexturesDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return TexturesDocument{}, fmt.Errorf("%w: %v", ErrInvalidTextures, err)
	}
	return document, nil
}

// VerifyTextures verifies the textures property of a profile and returns its
// decoded document.
func VerifyTextures(publicKey *rsa.PublicKey, properties []Property) (TexturesDocument, error) {
	property, found := FindProperty(properties, "textures")
	if !found {
		return TexturesDocument{}, fmt.Errorf("%w: textures", ErrMissingProperty)
	}
	if err := VerifyProperty(publicKey, property); err != nil {
		return TexturesDocument{}, err
	}
	return DecodeTextures(property.Value)
}
