package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tempochess/tempo/rules"
)

// Postgres is the production DB, one pooled *sql.DB behind the interfaces.
type Postgres struct {
	queries
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements the store interfaces over any querier, so the same
// code serves pooled and transactional access.
type queries struct {
	q querier
}

// OpenPostgres opens a pooled connection to dsn.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{queries: queries{q: db}, db: db}, nil
}

// WithTx runs fn in one transaction, rolling back on error.
func (p *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(&queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// EnsureSchema applies the DDL; every statement is idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// nullStr maps "" to NULL.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *queries) InsertGame(ctx context.Context, g *Game) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO games (
			id, white_id, black_id, game_mode, time_control_ms, increment_ms,
			delay_ms, delay_mode, fen, pgn, white_remaining_ms,
			black_remaining_ms, active_color, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`,
		g.ID, nullStr(g.WhiteID), nullStr(g.BlackID), g.GameMode,
		g.TimeControlMs, g.IncrementMs, g.DelayMs, g.DelayMode, g.FEN, g.PGN,
		g.WhiteRemainingMs, g.BlackRemainingMs, nullStr(g.ActiveColor), g.Status)
	if err != nil {
		return fmt.Errorf("store: insert game: %w", err)
	}
	return nil
}

func (s *queries) GameByID(ctx context.Context, id string) (*Game, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, white_id, black_id, game_mode, time_control_ms,
			increment_ms, delay_ms, delay_mode, fen, pgn, white_remaining_ms,
			black_remaining_ms, active_color, timer_last_stamp, status,
			result, winner_id, end_reason, started_at, completed_at
		FROM games WHERE id = $1`, id)

	var (
		g                                         Game
		whiteID, blackID, active, result, winner  sql.NullString
		endReason                                 sql.NullString
		timerStamp, startedAt, completedAt        sql.NullTime
	)
	err := row.Scan(&g.ID, &whiteID, &blackID, &g.GameMode, &g.TimeControlMs,
		&g.IncrementMs, &g.DelayMs, &g.DelayMode, &g.FEN, &g.PGN,
		&g.WhiteRemainingMs, &g.BlackRemainingMs, &active, &timerStamp,
		&g.Status, &result, &winner, &endReason, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: game by id: %w", err)
	}
	g.WhiteID = whiteID.String
	g.BlackID = blackID.String
	g.ActiveColor = active.String
	g.Result = result.String
	g.WinnerID = winner.String
	g.EndReason = endReason.String
	g.TimerLastStamp = timerStamp.Time
	g.StartedAt = startedAt.Time
	g.CompletedAt = completedAt.Time
	return &g, nil
}

func (s *queries) SeatGame(ctx context.Context, gameID string, color rules.Color, userID string) error {
	column := "black_id"
	if color == rules.White {
		column = "white_id"
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE games SET `+column+` = $1 WHERE id = $2`, userID, gameID)
	if err != nil {
		return fmt.Errorf("store: seat game: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *queries) StartGame(ctx context.Context, gameID string, startedAt time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE games SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4`,
		StatusLive, startedAt, gameID, StatusLobby)
	if err != nil {
		return fmt.Errorf("store: start game: %w", err)
	}
	// Zero rows means a replay against an already-live row; that is fine.
	_ = res
	return nil
}

func (s *queries) RecordMoveState(ctx context.Context, gameID string, st MoveState) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE games SET fen = $1, pgn = $2, white_remaining_ms = $3,
			black_remaining_ms = $4, active_color = $5, timer_last_stamp = $6
		WHERE id = $7`,
		st.FEN, st.PGN, st.WhiteRemainingMs, st.BlackRemainingMs,
		nullStr(st.ActiveColor), nullTime(st.TimerLastStamp), gameID)
	if err != nil {
		return fmt.Errorf("store: record move state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *queries) CompleteGame(ctx context.Context, gameID string, c Completion) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE games SET status = $1, result = $2, winner_id = $3,
			end_reason = $4, completed_at = $5, fen = COALESCE(NULLIF($6, ''), fen),
			white_remaining_ms = $7, black_remaining_ms = $8, active_color = NULL
		WHERE id = $9 AND status <> $1`,
		StatusCompleted, string(c.Result), nullStr(c.WinnerID),
		string(c.EndReason), c.CompletedAt, c.FinalFEN,
		c.WhiteRemainingMs, c.BlackRemainingMs, gameID)
	if err != nil {
		return false, fmt.Errorf("store: complete game: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: complete game: %w", err)
	}
	return n > 0, nil
}

func (s *queries) InsertMove(ctx context.Context, m *Move) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO moves (
			id, game_id, ordinal, color, from_square, to_square, san,
			captured, is_check, is_checkmate, is_castle, is_en_passant,
			promotion, elapsed_ms, ts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (game_id, ordinal) DO NOTHING`,
		m.ID, m.GameID, m.Ordinal, m.Color, m.FromSquare, m.ToSquare, m.SAN,
		nullStr(m.Captured), m.IsCheck, m.IsCheckmate, m.IsCastle,
		m.IsEnPassant, nullStr(m.Promotion), m.ElapsedMs, m.Timestamp)
	if err != nil {
		return fmt.Errorf("store: insert move: %w", err)
	}
	return nil
}

func (s *queries) MovesByGame(ctx context.Context, gameID string, limit, offset int) ([]Move, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, game_id, ordinal, color, from_square, to_square, san,
			captured, is_check, is_checkmate, is_castle, is_en_passant,
			promotion, elapsed_ms, ts
		FROM moves WHERE game_id = $1
		ORDER BY ordinal ASC LIMIT $2 OFFSET $3`, gameID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: moves by game: %w", err)
	}
	defer rows.Close()

	var out []Move
	for rows.Next() {
		var (
			m                   Move
			captured, promotion sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.GameID, &m.Ordinal, &m.Color,
			&m.FromSquare, &m.ToSquare, &m.SAN, &captured, &m.IsCheck,
			&m.IsCheckmate, &m.IsCastle, &m.IsEnPassant, &promotion,
			&m.ElapsedMs, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan move: %w", err)
		}
		m.Captured = captured.String
		m.Promotion = promotion.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *queries) CreateUser(ctx context.Context, u *User) error {
	rating := u.EloRating
	if rating == 0 {
		rating = 1200
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, elo_rating)
		VALUES ($1,$2,$3,$4,$5)`,
		u.ID, u.Username, u.Email, u.PasswordHash, rating)
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (s *queries) UserByID(ctx context.Context, id string) (*User, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, elo_rating, games_played,
			games_won, games_lost, games_drawn, created_at, updated_at
		FROM users WHERE id = $1`, id)

	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.EloRating, &u.GamesPlayed, &u.GamesWon, &u.GamesLost,
		&u.GamesDrawn, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: user by id: %w", err)
	}
	return &u, nil
}

func (s *queries) ApplyResult(ctx context.Context, userID string, newRating int, outcome Outcome) error {
	column := ""
	switch outcome {
	case OutcomeWin:
		column = "games_won"
	case OutcomeLoss:
		column = "games_lost"
	case OutcomeDraw:
		column = "games_drawn"
	default:
		return fmt.Errorf("store: unknown outcome %q", outcome)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE users SET elo_rating = $1, games_played = games_played + 1,
			`+column+` = `+column+` + 1, updated_at = now()
		WHERE id = $2`, newRating, userID)
	if err != nil {
		return fmt.Errorf("store: apply result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
