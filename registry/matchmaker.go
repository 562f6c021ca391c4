package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tempochess/tempo/clock"
	"github.com/tempochess/tempo/log"
	"github.com/tempochess/tempo/rules"
	"github.com/tempochess/tempo/session"
)

// Watcher is notified of every new session so supporting services (the
// persistence projector) can subscribe before any event is published.
type Watcher interface {
	Watch(s *session.Session)
}

// MatchmakerOptions configures session creation.
type MatchmakerOptions struct {
	Registry *Registry
	Engine   rules.Engine
	Clock    clockwork.Clock
	// Session knobs forwarded to every created session.
	DisconnectGrace time.Duration
	TickInterval    time.Duration
	Tolerance       time.Duration
	Watcher         Watcher
	Cache           *LobbyCache
	Logger          *log.Logger
}

// Matchmaker creates open sessions and seats the second player.
type Matchmaker struct {
	reg     *Registry
	eng     rules.Engine
	cw      clockwork.Clock
	grace   time.Duration
	tickIvl time.Duration
	tol     time.Duration
	watcher Watcher
	cache   *LobbyCache
	lg      *log.Logger
}

// NewMatchmaker wires a matchmaker over the registry.
func NewMatchmaker(opts MatchmakerOptions) *Matchmaker {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Matchmaker{
		reg:     opts.Registry,
		eng:     opts.Engine,
		cw:      opts.Clock,
		grace:   opts.DisconnectGrace,
		tickIvl: opts.TickInterval,
		tol:     opts.Tolerance,
		watcher: opts.Watcher,
		cache:   opts.Cache,
		lg:      opts.Logger.Module("matchmaker"),
	}
}

// Create validates spec, opens a Lobby session, and seats the creator on
// the preferred color (or a fair coin flip). Returns the game id and the
// creator's color.
func (m *Matchmaker) Create(ctx context.Context, spec clock.Spec, creator session.Player, pref session.ColorPref) (string, rules.Color, error) {
	if err := spec.Validate(); err != nil {
		return "", "", err
	}
	if err := m.reg.admit(creator.UserID); err != nil {
		return "", "", err
	}

	var color rules.Color
	switch pref {
	case session.PrefWhite:
		color = rules.White
	case session.PrefBlack:
		color = rules.Black
	case session.PrefRandom, "":
		color = fairCoin()
	default:
		return "", "", errors.New("registry: unknown color preference " + string(pref))
	}

	id := uuid.NewString()
	sess := session.New(session.Options{
		ID:              id,
		Engine:          m.eng,
		Spec:            spec,
		Clock:           m.cw,
		DisconnectGrace: m.grace,
		TickInterval:    m.tickIvl,
		Tolerance:       m.tol,
		Logger:          m.lg,
	})

	e := &entry{
		sess:         sess,
		spec:         spec,
		creator:      creator,
		creatorColor: color,
		seats:        map[string]bool{creator.UserID: true},
		createdAt:    m.cw.Now(),
	}
	if err := m.reg.insert(id, e); err != nil {
		sess.Close()
		return "", "", err
	}
	if m.watcher != nil {
		m.watcher.Watch(sess)
	}
	if err := sess.SeatPlayer(ctx, creator, color); err != nil {
		// Seating the creator on a fresh session cannot be refused; treat
		// a failure as a retired session racing us.
		return "", "", err
	}
	if m.cache != nil {
		m.cache.Purge()
	}
	m.lg.Info("game created", "game", id, "creator", creator.UserID, "color", color)
	return id, color, nil
}

// Join seats userID on the open seat of gameID; the session flips to Live.
func (m *Matchmaker) Join(ctx context.Context, gameID string, joiner session.Player) (rules.Color, error) {
	sess, err := m.reg.Get(gameID)
	if err != nil {
		return "", err
	}
	switch sess.Phase() {
	case session.PhaseLobby:
	case session.PhaseLive:
		// Live means both seats are taken.
		return "", session.ErrGameFull
	default:
		return "", ErrGameNotJoinable
	}
	if err := m.reg.admit(joiner.UserID); err != nil {
		return "", err
	}

	snap, err := sess.State(ctx)
	if err != nil {
		return "", err
	}
	var color rules.Color
	switch {
	case snap.White == nil:
		color = rules.White
	case snap.Black == nil:
		color = rules.Black
	default:
		return "", session.ErrGameFull
	}

	if err := sess.SeatPlayer(ctx, joiner, color); err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadySeated):
			return "", err
		case errors.Is(err, session.ErrSeatTaken), errors.Is(err, session.ErrWrongPhase):
			// Another joiner won the race and filled the game.
			return "", session.ErrGameFull
		}
		return "", err
	}
	m.reg.noteSeat(gameID, joiner.UserID)
	if m.cache != nil {
		m.cache.Purge()
	}
	m.lg.Info("game joined", "game", gameID, "joiner", joiner.UserID, "color", color)
	return color, nil
}

// fairCoin picks white or black with equal probability.
func fairCoin() rules.Color {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return rules.White
	}
	if b[0]&1 == 0 {
		return rules.White
	}
	return rules.Black
}
