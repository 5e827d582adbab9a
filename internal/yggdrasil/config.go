package yggdrasil

import "time"

// ServerConfig configures the protocol surface, token policy, and rate limits.
type ServerConfig struct {
	ServerName            string
	ImplementationName    string
	ImplementationVersion string
	SkinDomains           []string

	// TokenTimeToFullyExpired is the lifetime after which a token stops
	// resolving at all. TokenTimeToPartiallyExpired only applies when
	// EnablePartialExpiry is set: a partially expired token fails validate
	// but can still be refreshed.
	TokenTimeToFullyExpired     time.Duration
	TokenTimeToPartiallyExpired time.Duration
	EnablePartialExpiry         bool

	// OnlyLastSessionAvailable restricts COMPLETE validity to the most
	// recently acquired token of each user.
	OnlyLastSessionAvailable bool

	// LoginWithCharacterName lets authenticate accept a character name in
	// place of the owning user's email.
	LoginWithCharacterName bool

	RateLimitCooldown time.Duration
	SessionAuthExpire time.Duration
}

// SeedCharacter describes one character in the seeded user database.
type SeedCharacter struct {
	ID      string `mapstructure:"id" json:"id"`
	Name    string `mapstructure:"name" json:"name"`
	Model   string `mapstructure:"model" json:"model"`
	SkinURL string `mapstructure:"skinUrl" json:"skinUrl"`
	CapeURL string `mapstructure:"capeUrl" json:"capeUrl"`
}

// SeedUser describes one user in the seeded user database. Passwords are
// plaintext in the seed file and hashed on load.
type SeedUser struct {
	ID         string          `mapstructure:"id" json:"id"`
	Email      string          `mapstructure:"email" json:"email"`
	Password   string          `mapstructure:"password" json:"password"`
	Characters []SeedCharacter `mapstructure:"characters" json:"characters"`
}
