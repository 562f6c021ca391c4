// Package gateway is the client-facing surface: the websocket endpoint with
// its duplex frame protocol, and the thin HTTP shell over the same core
// operations. The gateway never mutates session state itself; it routes
// commands into sessions and forwards their event streams out.
package gateway

import (
	"errors"
	"net/http"

	"github.com/tempochess/tempo/identity"
	"github.com/tempochess/tempo/registry"
	"github.com/tempochess/tempo/rules"
	"github.com/tempochess/tempo/session"
	"github.com/tempochess/tempo/store"

	"github.com/tempochess/tempo/clock"
)

// Gateway-raised sentinels. Everything else surfaces from the packages the
// gateway routes into.
var (
	// ErrRateLimited rejects a command that exceeded its token bucket.
	ErrRateLimited = errors.New("gateway: rate limited")
	// ErrBadFrame rejects a frame the decoder could not make sense of.
	ErrBadFrame = errors.New("gateway: malformed frame")
)

// errorCode maps an internal error to the wire status and code. This is the
// single place client-visible codes are minted; sentinels never cross the
// wire with internals attached.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrAuthFailed):
		return http.StatusUnauthorized, "auth-failed"
	case errors.Is(err, registry.ErrNoSuchGame):
		return http.StatusNotFound, "no-such-game"
	case errors.Is(err, session.ErrNotSeated):
		return http.StatusForbidden, "not-a-player"
	case errors.Is(err, registry.ErrGameNotJoinable):
		return http.StatusConflict, "game-not-joinable"
	case errors.Is(err, session.ErrAlreadySeated):
		return http.StatusConflict, "already-seated"
	case errors.Is(err, session.ErrGameFull):
		return http.StatusConflict, "game-full"
	case errors.Is(err, session.ErrSeatTaken):
		return http.StatusConflict, "game-not-joinable"
	case errors.Is(err, registry.ErrTooManyActive):
		return http.StatusConflict, "too-many-active-games"
	case errors.Is(err, registry.ErrAdmissionClosed):
		return http.StatusConflict, "too-many-active-games"
	case errors.Is(err, rules.ErrIllegalMove):
		return http.StatusUnprocessableEntity, "illegal-move"
	case errors.Is(err, session.ErrNotYourTurn):
		return http.StatusUnprocessableEntity, "not-your-turn"
	case errors.Is(err, session.ErrTimeExpired):
		return http.StatusConflict, "wrong-fsm-state"
	case errors.Is(err, session.ErrWrongPhase):
		return http.StatusConflict, "wrong-fsm-state"
	case errors.Is(err, session.ErrNoDrawOffer),
		errors.Is(err, session.ErrOwnDrawOffer):
		return http.StatusUnprocessableEntity, "no-draw-offer"
	case errors.Is(err, clock.ErrInvalidSpec):
		return http.StatusBadRequest, "invalid-arg"
	case errors.Is(err, ErrBadFrame):
		return http.StatusBadRequest, "invalid-arg"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate-limited"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "no-such-game"
	case errors.Is(err, session.ErrDeadline):
		return http.StatusServiceUnavailable, "timeout"
	case errors.Is(err, session.ErrClosed):
		return http.StatusNotFound, "no-such-game"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
