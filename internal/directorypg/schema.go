package directorypg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS characters (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users (id),
    name TEXT NOT NULL UNIQUE,
    model TEXT NOT NULL DEFAULT 'default'
);
CREATE TABLE IF NOT EXISTS textures (
    character_id TEXT NOT NULL REFERENCES characters (id),
    type TEXT NOT NULL,
    url TEXT NOT NULL,
    PRIMARY KEY (character_id, type)
);
CREATE INDEX IF NOT EXISTS idx_characters_user ON characters (user_id);
`)
	return err
}
