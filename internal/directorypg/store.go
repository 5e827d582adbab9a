package directorypg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mprlab/yggdrasil/internal/yggdrasil"
)

// PostgresDirectory resolves users and characters from PostgreSQL using raw
// SQL over pgx. It satisfies yggdrasil.Directory.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory constructs a Postgres directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// Seed inserts seed users that are not present yet. Existing emails are left
// untouched so redeploys do not reset credentials.
func (directory *PostgresDirectory) Seed(ctx context.Context, seedUsers []yggdrasil.SeedUser) error {
	for _, seedUser := range seedUsers {
		user, err := yggdrasil.BuildSeedUser(seedUser)
		if err != nil {
			return fmt.Errorf("directorypg.seed user %q: %w", seedUser.Email, err)
		}

		var existing int
		if scanErr := directory.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM users WHERE email = $1`, user.Email).Scan(&existing); scanErr != nil {
			return fmt.Errorf("directorypg.seed: %w", scanErr)
		}
		if existing > 0 {
			continue
		}

		transaction, beginErr := directory.pool.Begin(ctx)
		if beginErr != nil {
			return fmt.Errorf("directorypg.seed: %w", beginErr)
		}
		if insertErr := insertSeedUser(ctx, transaction, user); insertErr != nil {
			_ = transaction.Rollback(ctx)
			return fmt.Errorf("directorypg.seed user %q: %w", seedUser.Email, insertErr)
		}
		if commitErr := transaction.Commit(ctx); commitErr != nil {
			return fmt.Errorf("directorypg.seed user %q: %w", seedUser.Email, commitErr)
		}
	}
	return nil
}

func insertSeedUser(ctx context.Context, transaction pgx.Tx, user *yggdrasil.User) error {
	if _, err := transaction.Exec(ctx, `
INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)
`, yggdrasil.UnsignedUUID(user.ID), user.Email, user.PasswordHash); err != nil {
		return err
	}
	for index := range user.Characters {
		character := &user.Characters[index]
		if _, err := transaction.Exec(ctx, `
INSERT INTO characters (id, user_id, name, model) VALUES ($1, $2, $3, $4)
`, yggdrasil.UnsignedUUID(character.ID), yggdrasil.UnsignedUUID(user.ID), character.Name, character.Model); err != nil {
			return err
		}
		for textureType, texture := range character.Textures {
			if _, err := transaction.Exec(ctx, `
INSERT INTO textures (character_id, type, url) VALUES ($1, $2, $3)
`, yggdrasil.UnsignedUUID(character.ID), string(textureType), texture.URL); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindUserByEmail resolves a user and its characters by login email.
func (directory *PostgresDirectory) FindUserByEmail(ctx context.Context, email string) (*yggdrasil.User, error) {
	row := directory.pool.QueryRow(ctx,
		`SELECT id, email, password_hash FROM users WHERE email = $1`, email)
	return directory.scanUser(ctx, row)
}

// FindUserByID resolves a user and its characters by account id.
func (directory *PostgresDirectory) FindUserByID(ctx context.Context, id uuid.UUID) (*yggdrasil.User, error) {
	row := directory.pool.QueryRow(ctx,
		`SELECT id, email, password_hash FROM users WHERE id = $1`, yggdrasil.UnsignedUUID(id))
	return directory.scanUser(ctx, row)
}

// FindCharacterByName resolves a character by exact name.
func (directory *PostgresDirectory) FindCharacterByName(ctx context.Context, name string) (*yggdrasil.Character, error) {
	row := directory.pool.QueryRow(ctx,
		`SELECT id, user_id, name, model FROM characters WHERE name = $1`, name)
	return directory.scanCharacter(ctx, row)
}

// FindCharacterByID resolves a character by id.
func (directory *PostgresDirectory) FindCharacterByID(ctx context.Context, id uuid.UUID) (*yggdrasil.Character, error) {
	row := directory.pool.QueryRow(ctx,
		`SELECT id, user_id, name, model FROM characters WHERE id = $1`, yggdrasil.UnsignedUUID(id))
	return directory.scanCharacter(ctx, row)
}

// UserCount reports the number of stored users.
func (directory *PostgresDirectory) UserCount(ctx context.Context) (int, error) {
	var count int
	if err := directory.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("directorypg.user_count: %w", err)
	}
	return count, nil
}

func (directory *PostgresDirectory) scanUser(ctx context.Context, row pgx.Row) (*yggdrasil.User, error) {
	var idText, email string
	var passwordHash []byte
	if err := row.Scan(&idText, &email, &passwordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, yggdrasil.ErrUserNotFound
		}
		return nil, fmt.Errorf("directorypg.find_user: %w", err)
	}
	userID, parseErr := uuid.Parse(idText)
	if parseErr != nil {
		return nil, fmt.Errorf("directorypg.find_user: %w", parseErr)
	}
	user := &yggdrasil.User{
		ID:           userID,
		Email:        email,
		PasswordHash: passwordHash,
	}

	rows, queryErr := directory.pool.Query(ctx,
		`SELECT id, user_id, name, model FROM characters WHERE user_id = $1 ORDER BY name`, idText)
	if queryErr != nil {
		return nil, fmt.Errorf("directorypg.find_user: %w", queryErr)
	}
	defer rows.Close()
	for rows.Next() {
		character, scanErr := directory.scanCharacterRow(ctx, rows)
		if scanErr != nil {
			return nil, scanErr
		}
		user.Characters = append(user.Characters, *character)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("directorypg.find_user: %w", rowsErr)
	}
	return user, nil
}

func (directory *PostgresDirectory) scanCharacter(ctx context.Context, row pgx.Row) (*yggdrasil.Character, error) {
	character, err := directory.scanCharacterRow(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, yggdrasil.ErrCharacterNotFound
		}
		return nil, err
	}
	return character, nil
}

func (directory *PostgresDirectory) scanCharacterRow(ctx context.Context, row pgx.Row) (*yggdrasil.Character, error) {
	var idText, userIDText, name, model string
	if err := row.Scan(&idText, &userIDText, &name, &model); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("directorypg.find_character: %w", err)
	}
	characterID, parseErr := uuid.Parse(idText)
	if parseErr != nil {
		return nil, fmt.Errorf("directorypg.find_character: %w", parseErr)
	}
	ownerID, ownerErr := uuid.Parse(userIDText)
	if ownerErr != nil {
		return nil, fmt.Errorf("directorypg.find_character: %w", ownerErr)
	}
	character := &yggdrasil.Character{
		ID:       characterID,
		Name:     name,
		Model:    model,
		Textures: make(map[yggdrasil.TextureType]yggdrasil.Texture),
		OwnerID:  ownerID,
	}

	textureRows, queryErr := directory.pool.Query(ctx,
		`SELECT type, url FROM textures WHERE character_id = $1`, idText)
	if queryErr != nil {
		return nil, fmt.Errorf("directorypg.find_character: %w", queryErr)
	}
	defer textureRows.Close()
	for textureRows.Next() {
		var textureType, textureURL string
		if err := textureRows.Scan(&textureType, &textureURL); err != nil {
			return nil, fmt.Errorf("directorypg.find_character: %w", err)
		}
		character.Textures[yggdrasil.TextureType(textureType)] = yggdrasil.Texture{URL: textureURL}
	}
	if rowsErr := textureRows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("directorypg.find_character: %w", rowsErr)
	}
	return character, nil
}
