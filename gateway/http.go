package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tempochess/tempo/identity"
	"github.com/tempochess/tempo/metrics"
	"github.com/tempochess/tempo/rules"
	"github.com/tempochess/tempo/session"
	"github.com/tempochess/tempo/store"
)

// lobbyCacheKey is the single key the lobby cache holds pages under,
// suffixed with the pagination window.
const lobbyCacheKey = "lobby"

// Handler returns the full HTTP surface: the REST shell, the websocket
// endpoint, health, and metrics.
func (g *Gateway) Handler(health http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", g.ServeWS)
	mux.Handle("GET /metrics", metrics.NewExporter(metrics.DefaultRegistry, metrics.DefaultExporterConfig()))
	if health != nil {
		mux.Handle("GET /healthz", health)
	}

	mux.HandleFunc("POST /games", g.requireAuth(g.handleCreateGame))
	mux.HandleFunc("POST /games/{id}/join", g.requireAuth(g.handleJoinGame))
	mux.HandleFunc("GET /games/{id}", g.handleGetGame)
	mux.HandleFunc("POST /games/{id}/move", g.requireAuth(g.handleHTTPMove))
	mux.HandleFunc("POST /games/{id}/resign", g.requireAuth(g.handleResign))
	mux.HandleFunc("GET /games/{id}/history", g.handleHistory)
	mux.HandleFunc("GET /games/lobby", g.handleLobby)

	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p identity.Principal)

// requireAuth verifies the bearer credential before the handler runs.
func (g *Gateway) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			metrics.AuthFailures.Inc()
			writeError(w, identity.ErrAuthFailed)
			return
		}
		p, err := g.idp.Verify(r.Context(), token)
		if err != nil {
			metrics.AuthFailures.Inc()
			writeError(w, err)
			return
		}
		next(w, r, p)
	}
}

func (g *Gateway) handleCreateGame(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	if !g.limits.AllowCreate(p.UserID) {
		writeError(w, ErrRateLimited)
		return
	}
	var args createArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, ErrBadFrame)
		return
	}
	spec, pref, err := specFromArgs(args)
	if err != nil {
		writeError(w, err)
		return
	}
	player := session.Player{UserID: p.UserID, Username: p.Username}
	gameID, color, err := g.mm.Create(r.Context(), spec, player, pref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"gameId": gameID, "color": color})
}

func (g *Gateway) handleJoinGame(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	gameID := r.PathValue("id")
	player := session.Player{UserID: p.UserID, Username: p.Username}
	color, err := g.mm.Join(r.Context(), gameID, player)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gameId": gameID, "color": color})
}

func (g *Gateway) handleGetGame(w http.ResponseWriter, r *http.Request) {
	sess, err := g.reg.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := sess.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleHTTPMove(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	gameID := r.PathValue("id")
	if !g.limits.AllowMove(p.UserID, gameID) {
		writeError(w, ErrRateLimited)
		return
	}
	var args moveArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, ErrBadFrame)
		return
	}
	promo, err := rules.ParsePromotion(args.Promotion)
	if err != nil {
		writeError(w, ErrBadFrame)
		return
	}
	sess, err := g.reg.Get(gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := sess.Move(r.Context(), p.UserID, rules.MoveRequest{
		From:      args.From,
		To:        args.To,
		Promotion: promo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleResign(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	sess, err := g.reg.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Resign(r.Context(), p.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resigned": true})
}

// handleHistory reads move rows from the durable store. This is the one
// store read path live games serve; ordinals are immutable once written.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if g.moves == nil {
		writeJSON(w, http.StatusOK, map[string]any{"moves": []store.Move{}})
		return
	}
	limit, offset := pagination(r, 100)
	moves, err := g.moves.MovesByGame(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if moves == nil {
		moves = []store.Move{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"moves": moves})
}

// handleLobby lists open games, served from the TTL cache when fresh.
func (g *Gateway) handleLobby(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	key := lobbyCacheKey + ":" + strconv.Itoa(limit) + ":" + strconv.Itoa(offset)

	if g.cache != nil {
		if page, ok := g.cache.Get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(page)
			return
		}
	}

	entries := g.reg.Lobby()
	if offset < len(entries) {
		entries = entries[offset:]
	} else {
		entries = entries[:0]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	body, err := json.Marshal(map[string]any{"games": entries})
	if err != nil {
		writeError(w, err)
		return
	}
	if g.cache != nil {
		g.cache.Put(key, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	writeJSON(w, status, map[string]any{
		"error": errorPayload{Code: code, Message: publicMessage(err)},
	})
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
