package yggdrasil

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// TextureType identifies a texture slot on a character.
type TextureType string

// Texture slots carried in the textures property.
const (
	TextureSkin TextureType = "SKIN"
	TextureCape TextureType = "CAPE"
)

// Skin model names as they appear in texture metadata.
const (
	ModelDefault = "default"
	ModelSlim    = "slim"
)

// Texture references an image hosted on a whitelisted skin domain. Pixel
// storage is out of scope here; only the URL contract matters.
type Texture struct {
	URL string
}

// Character is a named in-game identity owned by exactly one user. Characters
// are immutable once seeded.
type Character struct {
	ID       uuid.UUID
	Name     string
	Model    string
	Textures map[TextureType]Texture
	OwnerID  uuid.UUID
}

// User is an account in the credential store.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash []byte
	Characters   []Character
}

// Directory resolves users and characters. Implementations must return
// ErrUserNotFound / ErrCharacterNotFound for misses and treat all lookups as
// read-only.
type Directory interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindCharacterByName(ctx context.Context, name string) (*Character, error)
	FindCharacterByID(ctx context.Context, id uuid.UUID) (*Character, error)
	UserCount(ctx context.Context) (int, error)
}

// VerifyPassword compares a candidate password against the stored bcrypt
// hash. bcrypt comparison does not short-circuit on mismatch position, which
// keeps credential probing timing-neutral.
func VerifyPassword(user *User, password string) bool {
	return bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) == nil
}

// HashPassword derives the stored bcrypt hash for a seed password.
func HashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("directory.hash_password: %w", err)
	}
	return hash, nil
}

// UnsignedUUID renders an identifier the way the wire format expects:
// lowercase hex, no dashes.
func UnsignedUUID(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}

// ProfileResponse is the short {id,name} profile form.
type ProfileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PropertyResponse is one signed or unsigned profile property.
type PropertyResponse struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Signature string `json:"signature,omitempty"`
}

// CompleteProfileResponse is the full profile form served by the session
// server, including the base64 textures property.
type CompleteProfileResponse struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Properties []PropertyResponse `json:"properties"`
}

// UserResponse is the account identity attached to token responses when the
// client sets requestUser.
type UserResponse struct {
	ID         string             `json:"id"`
	Properties []PropertyResponse `json:"properties"`
}

type texturesDocument struct {
	Timestamp   int64                   `json:"timestamp"`
	ProfileID   string                  `json:"profileId"`
	ProfileName string                  `json:"profileName"`
	Textures    map[string]textureEntry `json:"textures"`
}

type textureEntry struct {
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SimpleProfile renders the short profile form for a character.
func SimpleProfile(character *Character) ProfileResponse {
	return ProfileResponse{
		ID:   UnsignedUUID(character.ID),
		Name: character.Name,
	}
}

// CompleteProfile renders the full profile form. When signed is true every
// property value carries a signature verifiable against the signer's public
// key.
func CompleteProfile(character *Character, signer *Signer, clock Clock, signed bool) (CompleteProfileResponse, error) {
	document := texturesDocument{
		Timestamp:   clock.Now().UnixMilli(),
		ProfileID:   UnsignedUUID(character.ID),
		ProfileName: character.Name,
		Textures:    make(map[string]textureEntry, len(character.Textures)),
	}
	for textureType, texture := range character.Textures {
		entry := textureEntry{URL: texture.URL}
		if textureType == TextureSkin {
			model := character.Model
			if model == "" {
				model = ModelDefault
			}
			entry.Metadata = map[string]string{"model": model}
		}
		document.Textures[string(textureType)] = entry
	}

	encoded, err := json.Marshal(document)
	if err != nil {
		return CompleteProfileResponse{}, fmt.Errorf("directory.textures_encode: %w", err)
	}
	property := PropertyResponse{
		Name:  "textures",
		Value: base64.StdEncoding.EncodeToString(encoded),
	}
	if signed {
		signature, signErr := signer.Sign([]byte(property.Value))
		if signErr != nil {
			return CompleteProfileResponse{}, signErr
		}
		property.Signature = base64.StdEncoding.EncodeToString(signature)
	}

	return CompleteProfileResponse{
		ID:         UnsignedUUID(character.ID),
		Name:       character.Name,
		Properties: []PropertyResponse{property},
	}, nil
}

// UserIdentity renders the account payload for requestUser responses. User
// properties beyond the identity are not modeled, so the list is empty but
// always present.
func UserIdentity(user *User) UserResponse {
	return UserResponse{
		ID:         UnsignedUUID(user.ID),
		Properties: []PropertyResponse{},
	}
}
