package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tempochess/tempo/rules"
)

// Memory is an in-process DB used by tests and by deployments without a
// configured store.dsn. One mutex serializes every operation; WithTx just
// runs fn against the store, so multi-statement atomicity and rollback are
// not simulated. The guarded CompleteGame check-and-set is atomic, which is
// what the projector's idempotence rests on.
type Memory struct {
	mu    sync.Mutex
	users map[string]*User
	games map[string]*Game
	moves map[string][]Move

	// failures lets tests inject write errors; decremented per failed op.
	failures int
	failErr  error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]*User),
		games: make(map[string]*Game),
		moves: make(map[string][]Move),
	}
}

// FailNext makes the next n writes fail with err. Test hook.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failErr = err
}

// failing consumes one injected failure if armed. Caller holds m.mu.
func (m *Memory) failing() error {
	if m.failures > 0 {
		m.failures--
		return m.failErr
	}
	return nil
}

func (m *Memory) InsertGame(_ context.Context, g *Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	if _, ok := m.games[g.ID]; ok {
		return nil
	}
	cp := *g
	m.games[g.ID] = &cp
	return nil
}

func (m *Memory) GameByID(_ context.Context, id string) (*Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) SeatGame(_ context.Context, gameID string, color rules.Color, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	g, ok := m.games[gameID]
	if !ok {
		return ErrNotFound
	}
	if color == rules.White {
		g.WhiteID = userID
	} else {
		g.BlackID = userID
	}
	return nil
}

func (m *Memory) StartGame(_ context.Context, gameID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	g, ok := m.games[gameID]
	if !ok {
		return ErrNotFound
	}
	g.Status = StatusLive
	g.StartedAt = startedAt
	return nil
}

func (m *Memory) RecordMoveState(_ context.Context, gameID string, st MoveState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	g, ok := m.games[gameID]
	if !ok {
		return ErrNotFound
	}
	g.FEN = st.FEN
	g.PGN = st.PGN
	g.WhiteRemainingMs = st.WhiteRemainingMs
	g.BlackRemainingMs = st.BlackRemainingMs
	g.ActiveColor = st.ActiveColor
	g.TimerLastStamp = st.TimerLastStamp
	return nil
}

func (m *Memory) CompleteGame(_ context.Context, gameID string, c Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return false, err
	}
	g, ok := m.games[gameID]
	if !ok {
		return false, ErrNotFound
	}
	if g.Status == StatusCompleted {
		return false, nil
	}
	g.Status = StatusCompleted
	g.Result = string(c.Result)
	g.WinnerID = c.WinnerID
	g.EndReason = string(c.EndReason)
	g.CompletedAt = c.CompletedAt
	if c.FinalFEN != "" {
		g.FEN = c.FinalFEN
	}
	g.WhiteRemainingMs = c.WhiteRemainingMs
	g.BlackRemainingMs = c.BlackRemainingMs
	g.ActiveColor = ""
	return true, nil
}

func (m *Memory) InsertMove(_ context.Context, mv *Move) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	for _, existing := range m.moves[mv.GameID] {
		if existing.Ordinal == mv.Ordinal {
			return nil
		}
	}
	m.moves[mv.GameID] = append(m.moves[mv.GameID], *mv)
	return nil
}

func (m *Memory) MovesByGame(_ context.Context, gameID string, limit, offset int) ([]Move, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append([]Move(nil), m.moves[gameID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].Ordinal < all[j].Ordinal })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicate
	}
	cp := *u
	if cp.EloRating == 0 {
		cp.EloRating = 1200
	}
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) UserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) ApplyResult(_ context.Context, userID string, newRating int, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.EloRating = newRating
	u.GamesPlayed++
	switch outcome {
	case OutcomeWin:
		u.GamesWon++
	case OutcomeLoss:
		u.GamesLost++
	case OutcomeDraw:
		u.GamesDrawn++
	}
	u.UpdatedAt = time.Now()
	return nil
}

// WithTx runs fn against the store itself. The single mutex serializes
// concurrent transactions; rollback is not simulated.
func (m *Memory) WithTx(_ context.Context, fn func(Tx) error) error {
	return fn(m)
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
