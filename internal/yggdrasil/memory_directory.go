package yggdrasil

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process Directory seeded at startup. Lookups are
// lock-free because the maps are never mutated after construction.
type MemoryDirectory struct {
	usersByID        map[uuid.UUID]*User
	usersByEmail     map[string]*User
	charactersByID   map[uuid.UUID]*Character
	charactersByName map[string]*Character
}

// NewMemoryDirectory builds a directory from seed users, hashing passwords
// and enforcing global uniqueness of emails, character names, and ids.
func NewMemoryDirectory(seedUsers []SeedUser) (*MemoryDirectory, error) {
	directory := &MemoryDirectory{
		usersByID:        make(map[uuid.UUID]*User),
		usersByEmail:     make(map[string]*User),
		charactersByID:   make(map[uuid.UUID]*Character),
		charactersByName: make(map[string]*Character),
	}
	for _, seedUser := range seedUsers {
		user, err := BuildSeedUser(seedUser)
		if err != nil {
			return nil, fmt.Errorf("directory.seed user %q: %w", seedUser.Email, err)
		}
		if _, exists := directory.usersByID[user.ID]; exists {
			return nil, fmt.Errorf("directory.seed user %q: duplicate id %s", seedUser.Email, user.ID)
		}
		if _, exists := directory.usersByEmail[user.Email]; exists {
			return nil, fmt.Errorf("directory.seed user %q: duplicate email", seedUser.Email)
		}
		directory.usersByID[user.ID] = user
		directory.usersByEmail[user.Email] = user
		for index := range user.Characters {
			character := &user.Characters[index]
			if _, exists := directory.charactersByID[character.ID]; exists {
				return nil, fmt.Errorf("directory.seed character %q: duplicate id %s", character.Name, character.ID)
			}
			if _, exists := directory.charactersByName[character.Name]; exists {
				return nil, fmt.Errorf("directory.seed character %q: duplicate name", character.Name)
			}
			directory.charactersByID[character.ID] = character
			directory.charactersByName[character.Name] = character
		}
	}
	return directory, nil
}

// BuildSeedUser turns one seed entry into a User with hashed password and
// assembled characters. Directory implementations share it during seeding.
func BuildSeedUser(seedUser SeedUser) (*User, error) {
	if strings.TrimSpace(seedUser.Email) == "" {
		return nil, fmt.Errorf("email is missing")
	}
	if seedUser.Password == "" {
		return nil, fmt.Errorf("password is missing")
	}
	userID, err := seedUUID(seedUser.ID)
	if err != nil {
		return nil, fmt.Errorf("bad user id: %w", err)
	}
	passwordHash, hashErr := HashPassword(seedUser.Password)
	if hashErr != nil {
		return nil, hashErr
	}
	user := &User{
		ID:           userID,
		Email:        seedUser.Email,
		PasswordHash: passwordHash,
	}
	for _, seedCharacter := range seedUser.Characters {
		character, characterErr := buildSeedCharacter(seedCharacter, userID)
		if characterErr != nil {
			return nil, fmt.Errorf("character %q: %w", seedCharacter.Name, characterErr)
		}
		user.Characters = append(user.Characters, character)
	}
	return user, nil
}

func buildSeedCharacter(seedCharacter SeedCharacter, ownerID uuid.UUID) (Character, error) {
	if strings.TrimSpace(seedCharacter.Name) == "" {
		return Character{}, fmt.Errorf("name is missing")
	}
	characterID, err := seedUUID(seedCharacter.ID)
	if err != nil {
		return Character{}, fmt.Errorf("bad character id: %w", err)
	}
	model := seedCharacter.Model
	if model == "" {
		model = ModelDefault
	}
	if model != ModelDefault && model != ModelSlim {
		return Character{}, fmt.Errorf("unknown model %q", model)
	}
	character := Character{
		ID:       characterID,
		Name:     seedCharacter.Name,
		Model:    model,
		Textures: make(map[TextureType]Texture),
		OwnerID:  ownerID,
	}
	if seedCharacter.SkinURL != "" {
		character.Textures[TextureSkin] = Texture{URL: seedCharacter.SkinURL}
	}
	if seedCharacter.CapeURL != "" {
		character.Textures[TextureCape] = Texture{URL: seedCharacter.CapeURL}
	}
	return character, nil
}

func seedUUID(text string) (uuid.UUID, error) {
	if strings.TrimSpace(text) == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(text)
}

// FindUserByEmail resolves a user by login email.
func (directory *MemoryDirectory) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	user, ok := directory.usersByEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// FindUserByID resolves a user by account id.
func (directory *MemoryDirectory) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	user, ok := directory.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// FindCharacterByName resolves a character by exact name.
func (directory *MemoryDirectory) FindCharacterByName(ctx context.Context, name string) (*Character, error) {
	character, ok := directory.charactersByName[name]
	if !ok {
		return nil, ErrCharacterNotFound
	}
	return character, nil
}

// FindCharacterByID resolves a character by id.
func (directory *MemoryDirectory) FindCharacterByID(ctx context.Context, id uuid.UUID) (*Character, error) {
	character, ok := directory.charactersByID[id]
	if !ok {
		return nil, ErrCharacterNotFound
	}
	return character, nil
}

// UserCount reports how many users are seeded.
func (directory *MemoryDirectory) UserCount(ctx context.Context) (int, error) {
	return len(directory.usersByID), nil
}
