// Package registry owns the id-to-session mapping, per-user admission, the
// matchmaker, and the completed-session sweeper. The registry map is the
// only mutable structure shared across sessions; everything behind it is
// actor-owned by the sessions themselves.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tempochess/tempo/clock"
	"github.com/tempochess/tempo/log"
	"github.com/tempochess/tempo/metrics"
	"github.com/tempochess/tempo/rules"
	"github.com/tempochess/tempo/session"
)

var (
	// ErrNoSuchGame reports an id with no live session behind it.
	ErrNoSuchGame = errors.New("registry: no such game")
	// ErrTooManyActive enforces the per-user active-game cap.
	ErrTooManyActive = errors.New("registry: too many active games")
	// ErrAdmissionClosed rejects new games while the persistence backlog
	// is divergent beyond the configured threshold.
	ErrAdmissionClosed = errors.New("registry: admission closed")
	// ErrGameNotJoinable reports a join against a session that is not in
	// the lobby or whose free seat was taken first.
	ErrGameNotJoinable = errors.New("registry: game not joinable")
)

// Options configures the registry.
type Options struct {
	Clock clockwork.Clock
	// RetireAfter is how long a completed session stays resident so late
	// readers can fetch the final state.
	RetireAfter time.Duration
	// MaxActivePerUser caps a user's Lobby plus Live sessions.
	MaxActivePerUser int
	// Divergent reports the number of divergent sessions; nil disables
	// admission control.
	Divergent func() int
	// DivergenceThreshold closes admission when Divergent() reaches it.
	DivergenceThreshold int
	Logger              *log.Logger
}

type entry struct {
	sess         *session.Session
	spec         clock.Spec
	creator      session.Player
	creatorColor rules.Color
	seats        map[string]bool
	createdAt    time.Time
}

// LobbyEntry is one open game, as listed to browsing clients.
type LobbyEntry struct {
	GameID       string      `json:"gameId"`
	Creator      string      `json:"creator"`
	CreatorColor rules.Color `json:"creatorColor"`
	TimeControl  clock.Spec  `json:"timeControl"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Registry maps game ids to live sessions.
type Registry struct {
	cw        clockwork.Clock
	lg        *log.Logger
	retire    time.Duration
	maxActive int
	divergent func() int
	threshold int

	mu       sync.RWMutex
	sessions map[string]*entry

	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates an empty registry. Start launches the sweeper.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RetireAfter <= 0 {
		opts.RetireAfter = 5 * time.Minute
	}
	if opts.MaxActivePerUser <= 0 {
		opts.MaxActivePerUser = 5
	}
	if opts.DivergenceThreshold <= 0 {
		opts.DivergenceThreshold = 16
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Registry{
		cw:        opts.Clock,
		lg:        opts.Logger.Module("registry"),
		retire:    opts.RetireAfter,
		maxActive: opts.MaxActivePerUser,
		divergent: opts.Divergent,
		threshold: opts.DivergenceThreshold,
		sessions:  make(map[string]*entry),
		quit:      make(chan struct{}),
	}
}

// Name implements the server Service interface.
func (r *Registry) Name() string { return "registry" }

// Start launches the sweeper that retires completed sessions.
func (r *Registry) Start() error {
	interval := r.retire / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	r.wg.Add(1)
	go r.sweep(interval)
	return nil
}

// Stop halts the sweeper and closes every resident session.
func (r *Registry) Stop() error {
	r.once.Do(func() { close(r.quit) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.sessions {
		e.sess.Close()
		delete(r.sessions, id)
	}
	return nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrNoSuchGame
	}
	return e.sess, nil
}

// Lobby lists the open sessions waiting for a second player.
func (r *Registry) Lobby() []LobbyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []LobbyEntry
	for id, e := range r.sessions {
		if e.sess.Phase() != session.PhaseLobby {
			continue
		}
		out = append(out, LobbyEntry{
			GameID:       id,
			Creator:      e.creator.Username,
			CreatorColor: e.creatorColor,
			TimeControl:  e.spec,
			CreatedAt:    e.createdAt,
		})
	}
	// Map order is random; pagination needs a stable sort. Oldest first,
	// ties broken by id.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].GameID < out[j].GameID
	})
	return out
}

// SessionCount returns the number of resident sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// admit enforces admission control and the per-user cap. Caller must not
// hold r.mu.
func (r *Registry) admit(userID string) error {
	if r.divergent != nil && r.divergent() >= r.threshold {
		return ErrAdmissionClosed
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkCapLocked(userID)
}

// checkCapLocked counts userID's active sessions. Caller holds r.mu.
func (r *Registry) checkCapLocked(userID string) error {
	active := 0
	for _, e := range r.sessions {
		if e.seats[userID] && e.sess.Phase() != session.PhaseCompleted {
			active++
			if active >= r.maxActive {
				return ErrTooManyActive
			}
		}
	}
	return nil
}

// insert registers a freshly created session. The cap is rechecked under
// the write lock so concurrent creates cannot oversubscribe a user.
func (r *Registry) insert(id string, e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkCapLocked(e.creator.UserID); err != nil {
		return err
	}
	r.sessions[id] = e
	r.updateLobbyGaugeLocked()
	return nil
}

// noteSeat records that userID holds a seat in game id.
func (r *Registry) noteSeat(id, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.seats[userID] = true
	}
	r.updateLobbyGaugeLocked()
}

func (r *Registry) updateLobbyGaugeLocked() {
	n := 0
	for _, e := range r.sessions {
		if e.sess.Phase() == session.PhaseLobby {
			n++
		}
	}
	metrics.LobbyGames.Set(int64(n))
}

// sweep retires completed sessions once their retention window passes.
func (r *Registry) sweep(interval time.Duration) {
	defer r.wg.Done()
	ticker := r.cw.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.retireCompleted()
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) retireCompleted() {
	now := r.cw.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.sessions {
		done, ok := e.sess.CompletedAt()
		if !ok || now.Before(done.Add(r.retire)) {
			continue
		}
		e.sess.Close()
		delete(r.sessions, id)
		metrics.SessionsRetired.Inc()
		r.lg.Debug("session retired", "game", id)
	}
	r.updateLobbyGaugeLocked()
}
