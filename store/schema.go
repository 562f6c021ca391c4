package store

// Schema DDL, applied idempotently at startup. Migration tooling proper is
// external; this only guarantees a fresh database is usable.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		elo_rating    INTEGER NOT NULL DEFAULT 1200,
		games_played  INTEGER NOT NULL DEFAULT 0,
		games_won     INTEGER NOT NULL DEFAULT 0,
		games_lost    INTEGER NOT NULL DEFAULT 0,
		games_drawn   INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS games (
		id                 TEXT PRIMARY KEY,
		white_id           TEXT REFERENCES users(id),
		black_id           TEXT REFERENCES users(id),
		game_mode          TEXT NOT NULL,
		time_control_ms    BIGINT NOT NULL,
		increment_ms       BIGINT NOT NULL DEFAULT 0,
		delay_ms           BIGINT NOT NULL DEFAULT 0,
		delay_mode         TEXT NOT NULL DEFAULT 'none',
		fen                TEXT NOT NULL,
		pgn                TEXT NOT NULL DEFAULT '',
		white_remaining_ms BIGINT NOT NULL,
		black_remaining_ms BIGINT NOT NULL,
		active_color       TEXT,
		timer_last_stamp   TIMESTAMPTZ,
		status             TEXT NOT NULL DEFAULT 'lobby',
		result             TEXT,
		winner_id          TEXT REFERENCES users(id),
		end_reason         TEXT,
		started_at         TIMESTAMPTZ,
		completed_at       TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS moves (
		id            TEXT PRIMARY KEY,
		game_id       TEXT NOT NULL REFERENCES games(id),
		ordinal       INTEGER NOT NULL,
		color         TEXT NOT NULL,
		from_square   TEXT NOT NULL,
		to_square     TEXT NOT NULL,
		san           TEXT NOT NULL,
		captured      TEXT,
		is_check      BOOLEAN NOT NULL DEFAULT FALSE,
		is_checkmate  BOOLEAN NOT NULL DEFAULT FALSE,
		is_castle     BOOLEAN NOT NULL DEFAULT FALSE,
		is_en_passant BOOLEAN NOT NULL DEFAULT FALSE,
		promotion     TEXT,
		elapsed_ms    BIGINT NOT NULL,
		ts            TIMESTAMPTZ NOT NULL,
		UNIQUE (game_id, ordinal)
	)`,
	`CREATE INDEX IF NOT EXISTS moves_game_ordinal ON moves (game_id, ordinal)`,
	`CREATE INDEX IF NOT EXISTS games_status ON games (status)`,
}
