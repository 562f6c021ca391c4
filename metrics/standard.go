package metrics

// Pre-defined metrics for the tempo chess service. All instruments live in
// DefaultRegistry so they are globally accessible without passing a registry
// around.

var (
	// ---- Session metrics ----

	// SessionsLive tracks the number of sessions currently in Lobby or Live.
	SessionsLive = DefaultRegistry.Gauge("session.live")
	// SessionsCreated counts sessions created since process start.
	SessionsCreated = DefaultRegistry.Counter("session.created")
	// GamesCompleted counts sessions that reached a terminal state.
	GamesCompleted = DefaultRegistry.Counter("session.completed")
	// GamesAbandoned counts sessions ended by the disconnect-grace window.
	GamesAbandoned = DefaultRegistry.Counter("session.abandoned")
	// MovesApplied counts legal moves accepted across all sessions.
	MovesApplied = DefaultRegistry.Counter("session.moves_applied")
	// IllegalMoves counts move commands rejected by the rules engine.
	IllegalMoves = DefaultRegistry.Counter("session.illegal_moves")
	// MoveLatency records command round-trip time inside the session actor
	// in milliseconds.
	MoveLatency = DefaultRegistry.Histogram("session.move_latency_ms")
	// EventsDropped counts bus subscribers dropped for falling behind.
	EventsDropped = DefaultRegistry.Counter("session.subscribers_dropped")

	// ---- Gateway metrics ----

	// WSConnections tracks currently open websocket connections.
	WSConnections = DefaultRegistry.Gauge("gateway.ws_connections")
	// WSFramesIn counts client frames received.
	WSFramesIn = DefaultRegistry.Counter("gateway.frames_in")
	// WSFramesOut counts server frames sent.
	WSFramesOut = DefaultRegistry.Counter("gateway.frames_out")
	// AuthFailures counts rejected connection attempts.
	AuthFailures = DefaultRegistry.Counter("gateway.auth_failures")
	// RateLimited counts commands rejected by a token bucket.
	RateLimited = DefaultRegistry.Counter("gateway.rate_limited")

	// ---- Persistence metrics ----

	// PersistRetries counts durable-store write retries.
	PersistRetries = DefaultRegistry.Counter("store.retries")
	// PersistFailures counts writes abandoned after retry exhaustion.
	PersistFailures = DefaultRegistry.Counter("store.failures")
	// DivergentSessions tracks sessions whose persistence halted.
	DivergentSessions = DefaultRegistry.Gauge("store.divergent")
	// WriteLatency records durable-store write latency in milliseconds.
	WriteLatency = DefaultRegistry.Histogram("store.write_latency_ms")

	// ---- Registry metrics ----

	// LobbyGames tracks sessions currently waiting for an opponent.
	LobbyGames = DefaultRegistry.Gauge("registry.lobby")
	// SessionsRetired counts completed sessions removed by the sweeper.
	SessionsRetired = DefaultRegistry.Counter("registry.retired")
	// LobbyCacheHits counts lobby list reads served from cache.
	LobbyCacheHits = DefaultRegistry.Counter("registry.lobby_cache_hits")
	// LobbyCacheMisses counts lobby list reads that went to the registry.
	LobbyCacheMisses = DefaultRegistry.Counter("registry.lobby_cache_misses")
)
