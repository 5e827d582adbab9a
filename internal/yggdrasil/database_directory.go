package yggdrasil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("directory.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("directory.empty_database_url")
	errSQLiteEmptyPath     = errors.New("directory.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("directory.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("directory.unsupported_no_scheme")
)

// DatabaseDirectory persists users, characters, and texture references using
// GORM. Operators point it at sqlite:// for single-node deployments or
// postgres:// for shared ones.
type DatabaseDirectory struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (directory *DatabaseDirectory) Driver() string {
	return directory.driverLabel
}

type userRecord struct {
	ID           string `gorm:"column:id;primaryKey"`
	Email        string `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash []byte `gorm:"column:password_hash;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

type characterRecord struct {
	ID     string `gorm:"column:id;primaryKey"`
	UserID string `gorm:"column:user_id;index;not null"`
	Name   string `gorm:"column:name;uniqueIndex;not null"`
	Model  string `gorm:"column:model;not null;default:default"`
}

func (characterRecord) TableName() string {
	return "characters"
}

type textureRecord struct {
	CharacterID string `gorm:"column:character_id;primaryKey"`
	Type        string `gorm:"column:type;primaryKey"`
	URL         string `gorm:"column:url;not null"`
}

func (textureRecord) TableName() string {
	return "textures"
}

// NewDatabaseDirectory constructs a GORM-backed directory.
func NewDatabaseDirectory(ctx context.Context, databaseURL string) (*DatabaseDirectory, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("directory.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("directory.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &characterRecord{}, &textureRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("directory.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseDirectory{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Seed inserts seed users that are not present yet, hashing their passwords.
// Existing emails are left untouched so redeploys do not reset credentials.
func (directory *DatabaseDirectory) Seed(ctx context.Context, seedUsers []SeedUser) error {
	for _, seedUser := range seedUsers {
		user, buildErr := BuildSeedUser(seedUser)
		if buildErr != nil {
			return fmt.Errorf("directory.seed.%s user %q: %w", directory.driverLabel, seedUser.Email, buildErr)
		}

		var existing int64
		if err := directory.db.WithContext(ctx).Model(&userRecord{}).Where("email = ?", user.Email).Count(&existing).Error; err != nil {
			return fmt.Errorf("directory.seed.%s: %w", directory.driverLabel, err)
		}
		if existing > 0 {
			continue
		}

		transactionErr := directory.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			if err := transaction.Create(&userRecord{
				ID:           UnsignedUUID(user.ID),
				Email:        user.Email,
				PasswordHash: user.PasswordHash,
			}).Error; err != nil {
				return err
			}
			for index := range user.Characters {
				character := &user.Characters[index]
				if err := transaction.Create(&characterRecord{
					ID:     UnsignedUUID(character.ID),
					UserID: UnsignedUUID(user.ID),
					Name:   character.Name,
					Model:  character.Model,
				}).Error; err != nil {
					return err
				}
				for textureType, texture := range character.Textures {
					if err := transaction.Create(&textureRecord{
						CharacterID: UnsignedUUID(character.ID),
						Type:        string(textureType),
						URL:         texture.URL,
					}).Error; err != nil {
						return err
					}
				}
			}
			return nil
		})
		if transactionErr != nil {
			return fmt.Errorf("directory.seed.%s user %q: %w", directory.driverLabel, seedUser.Email, transactionErr)
		}
	}
	return nil
}

// FindUserByEmail resolves a user and its characters by login email.
func (directory *DatabaseDirectory) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var record userRecord
	err := directory.db.WithContext(ctx).Where("email = ?", email).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("directory.find_user.%s: %w", directory.driverLabel, err)
	}
	return directory.assembleUser(ctx, record)
}

// FindUserByID resolves a user and its characters by account id.
func (directory *DatabaseDirectory) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var record userRecord
	err := directory.db.WithContext(ctx).Where("id = ?", UnsignedUUID(id)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("directory.find_user.%s: %w", directory.driverLabel, err)
	}
	return directory.assembleUser(ctx, record)
}

// FindCharacterByName resolves a character by exact name.
func (directory *DatabaseDirectory) FindCharacterByName(ctx context.Context, name string) (*Character, error) {
	var record characterRecord
	err := directory.db.WithContext(ctx).Where("name = ?", name).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("directory.find_character.%s: %w", directory.driverLabel, err)
	}
	return directory.assembleCharacter(ctx, record)
}

// FindCharacterByID resolves a character by id.
func (directory *DatabaseDirectory) FindCharacterByID(ctx context.Context, id uuid.UUID) (*Character, error) {
	var record characterRecord
	err := directory.db.WithContext(ctx).Where("id = ?", UnsignedUUID(id)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("directory.find_character.%s: %w", directory.driverLabel, err)
	}
	return directory.assembleCharacter(ctx, record)
}

// UserCount reports the number of stored users.
func (directory *DatabaseDirectory) UserCount(ctx context.Context) (int, error) {
	var count int64
	if err := directory.db.WithContext(ctx).Model(&userRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("directory.user_count.%s: %w", directory.driverLabel, err)
	}
	return int(count), nil
}

func (directory *DatabaseDirectory) assembleUser(ctx context.Context, record userRecord) (*User, error) {
	userID, parseErr := uuid.Parse(record.ID)
	if parseErr != nil {
		return nil, fmt.Errorf("directory.assemble_user.%s: %w", directory.driverLabel, parseErr)
	}
	user := &User{
		ID:           userID,
		Email:        record.Email,
		PasswordHash: record.PasswordHash,
	}

	var characterRecords []characterRecord
	if err := directory.db.WithContext(ctx).Where("user_id = ?", record.ID).Order("name").Find(&characterRecords).Error; err != nil {
		return nil, fmt.Errorf("directory.assemble_user.%s: %w", directory.driverLabel, err)
	}
	for _, row := range characterRecords {
		character, assembleErr := directory.assembleCharacter(ctx, row)
		if assembleErr != nil {
			return nil, assembleErr
		}
		user.Characters = append(user.Characters, *character)
	}
	return user, nil
}

func (directory *DatabaseDirectory) assembleCharacter(ctx context.Context, record characterRecord) (*Character, error) {
	characterID, parseErr := uuid.Parse(record.ID)
	if parseErr != nil {
		return nil, fmt.Errorf("directory.assemble_character.%s: %w", directory.driverLabel, parseErr)
	}
	ownerID, ownerErr := uuid.Parse(record.UserID)
	if ownerErr != nil {
		return nil, fmt.Errorf("directory.assemble_character.%s: %w", directory.driverLabel, ownerErr)
	}
	character := &Character{
		ID:       characterID,
		Name:     record.Name,
		Model:    record.Model,
		Textures: make(map[TextureType]Texture),
		OwnerID:  ownerID,
	}

	var textureRecords []textureRecord
	if err := directory.db.WithContext(ctx).Where("character_id = ?", record.ID).Find(&textureRecords).Error; err != nil {
		return nil, fmt.Errorf("directory.assemble_character.%s: %w", directory.driverLabel, err)
	}
	for _, row := range textureRecords {
		character.Textures[TextureType(row.Type)] = Texture{URL: row.URL}
	}
	return character, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("directory.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("directory.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("directory.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("directory.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
