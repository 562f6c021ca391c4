package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tempochess/tempo/clock"
	"github.com/tempochess/tempo/identity"
	"github.com/tempochess/tempo/log"
	"github.com/tempochess/tempo/metrics"
	"github.com/tempochess/tempo/registry"
	"github.com/tempochess/tempo/rules"
	"github.com/tempochess/tempo/session"
	"github.com/tempochess/tempo/store"
)

// Socket tuning constants.
const (
	wsMaxMessageSize = 1 << 16
	wsPingInterval   = 30 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsWriteTimeout   = 10 * time.Second
	// wsSendBuffer bounds the per-socket outbound queue; a client that
	// lets it fill is closed as a slow consumer.
	wsSendBuffer = 256
	// defaultCommandTimeout bounds how long the gateway waits for a
	// session to accept a routed command.
	defaultCommandTimeout = 5 * time.Second
)

// Options wires the gateway to the core.
type Options struct {
	Registry   *registry.Registry
	Matchmaker *registry.Matchmaker
	Identity   identity.Provider
	// Moves serves the history read path; nil disables /history.
	Moves store.MoveStore
	Cache *registry.LobbyCache
	Clock clockwork.Clock
	// MovesPerMin overrides the move rate limit; zero keeps the default.
	MovesPerMin int
	// CommandTimeout overrides the per-command routing deadline.
	CommandTimeout time.Duration
	Logger         *log.Logger
}

// Gateway terminates client sockets and the HTTP shell. It routes commands
// into sessions and forwards each session's event stream to its
// subscribers, multiplexed per socket and tagged by game id.
type Gateway struct {
	reg     *registry.Registry
	mm      *registry.Matchmaker
	idp     identity.Provider
	moves   store.MoveStore
	cache   *registry.LobbyCache
	cw      clockwork.Clock
	limits  *limiter
	cmdTime time.Duration
	lg      *log.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[uint64]*wsConn
	nextID atomic.Uint64

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a gateway over the given core components.
func New(opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Gateway{
		reg:     opts.Registry,
		mm:      opts.Matchmaker,
		idp:     opts.Identity,
		moves:   opts.Moves,
		cache:   opts.Cache,
		cw:      opts.Clock,
		limits:  newLimiter(opts.Clock, opts.MovesPerMin),
		cmdTime: opts.CommandTimeout,
		lg:      opts.Logger.Module("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin from the game UI.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[uint64]*wsConn),
		quit:  make(chan struct{}),
	}
}

// Name implements the server Service interface.
func (g *Gateway) Name() string { return "gateway" }

// Start launches the limiter housekeeping loop.
func (g *Gateway) Start() error {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		t := g.cw.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.Chan():
				g.limits.prune()
			case <-g.quit:
				return
			}
		}
	}()
	return nil
}

// Stop closes every live socket and waits for their pumps.
func (g *Gateway) Stop() error {
	g.stopOnce.Do(func() { close(g.quit) })
	g.mu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
	g.wg.Wait()
	return nil
}

// ConnectionCount reports open sockets; the health checker reads it.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// ---------------------------------------------------------------------------
// Connection state
// ---------------------------------------------------------------------------

// subscription is one game stream forwarded to a socket.
type subscription struct {
	gameID string
	sess   *session.Session
	subID  string
	cancel chan struct{}
}

type wsConn struct {
	id   uint64
	g    *Gateway
	conn *websocket.Conn
	lg   *log.Logger

	sendCh  chan ServerFrame
	closeCh chan struct{}
	closed  atomic.Bool

	// principal is nil until the socket authenticates.
	prMu      sync.Mutex
	principal *identity.Principal

	// lastPing is when the latest control ping went out; the pong handler
	// turns it into the RTT estimate.
	lastPing atomic.Int64
	rttMs    atomic.Int64

	// subs and seated are owned by the read pump.
	subs   map[string]*subscription
	seated map[string]*session.Session
}

// ServeWS upgrades the request and runs the connection pumps. Bearer
// credentials may arrive in the Authorization header or, failing that, in
// the first frame.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	var principal *identity.Principal
	if token := bearerToken(r); token != "" {
		p, err := g.idp.Verify(r.Context(), token)
		if err != nil {
			metrics.AuthFailures.Inc()
			writeError(w, err)
			return
		}
		principal = &p
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.lg.Debug("ws upgrade failed", "err", err)
		return
	}

	id := g.nextID.Add(1)
	c := &wsConn{
		id:      id,
		g:       g,
		conn:    conn,
		lg:      g.lg.With("conn", id),
		sendCh:  make(chan ServerFrame, wsSendBuffer),
		closeCh: make(chan struct{}),
		subs:    make(map[string]*subscription),
		seated:  make(map[string]*session.Session),
	}
	c.principal = principal

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	metrics.WSConnections.Inc()

	if principal != nil {
		c.send(ServerFrame{V: protocolVersion, Kind: KindAuthOK, Payload: principal})
	}

	g.wg.Add(1)
	go c.writePump()
	c.readPump()
}

func (c *wsConn) whoami() *identity.Principal {
	c.prMu.Lock()
	defer c.prMu.Unlock()
	return c.principal
}

func (c *wsConn) setPrincipal(p identity.Principal) {
	c.prMu.Lock()
	c.principal = &p
	c.prMu.Unlock()
}

// send queues a frame; a full queue means the client cannot keep up and the
// socket is closed.
func (c *wsConn) send(f ServerFrame) {
	select {
	case c.sendCh <- f:
	default:
		c.lg.Warn("slow consumer, closing socket")
		c.shutdown()
	}
}

func (c *wsConn) shutdown() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.closeCh)
	}
}

// readPump drives the connection: it decodes frames, dispatches commands,
// and tears everything down when the socket drops.
func (c *wsConn) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		if sent := c.lastPing.Load(); sent > 0 {
			c.rttMs.Store(time.Now().UnixMilli() - sent)
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		metrics.WSFramesIn.Inc()

		var cf ClientFrame
		if err := json.Unmarshal(data, &cf); err != nil || cf.Cmd == "" {
			c.send(errorFrame("", cf.ID, ErrBadFrame))
			continue
		}
		c.handleFrame(cf)
	}
}

// writePump owns all writes on the socket: queued frames plus the periodic
// control ping.
func (c *wsConn) writePump() {
	defer c.g.wg.Done()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case f := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.shutdown()
				return
			}
			metrics.WSFramesOut.Inc()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			c.lastPing.Store(time.Now().UnixMilli())
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closeCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.g.quit:
			c.shutdown()
		}
	}
}

// teardown releases everything the connection holds: subscriptions, seat
// liveness, and the gateway's connection table.
func (c *wsConn) teardown() {
	c.shutdown()

	for _, sub := range c.subs {
		close(sub.cancel)
		sub.sess.Unsubscribe(sub.subID)
	}
	c.subs = nil

	if p := c.whoami(); p != nil {
		for _, sess := range c.seated {
			ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
			sess.SetConnected(ctx, p.UserID, false)
			cancel()
		}
	}
	c.seated = nil

	c.g.mu.Lock()
	delete(c.g.conns, c.id)
	c.g.mu.Unlock()
	metrics.WSConnections.Dec()
}

// ---------------------------------------------------------------------------
// Command dispatch
// ---------------------------------------------------------------------------

func (c *wsConn) handleFrame(cf ClientFrame) {
	// Ping and auth are the only commands an unauthenticated socket may
	// send.
	switch cf.Cmd {
	case CmdPing:
		c.handlePing(cf)
		return
	case CmdAuth:
		c.handleAuth(cf)
		return
	}

	p := c.whoami()
	if p == nil {
		metrics.AuthFailures.Inc()
		c.send(errorFrame(cf.Game, cf.ID, identity.ErrAuthFailed))
		c.shutdown()
		return
	}

	var err error
	switch cf.Cmd {
	case CmdJoinGame:
		err = c.handleJoin(cf, *p)
	case CmdLeaveGame:
		err = c.handleLeave(cf, *p)
	case CmdMakeMove:
		err = c.handleMove(cf, *p)
	case CmdResign:
		err = c.route(cf, func(ctx context.Context, s *session.Session) error {
			return s.Resign(ctx, p.UserID)
		})
	case CmdOfferDraw:
		err = c.route(cf, func(ctx context.Context, s *session.Session) error {
			return s.OfferDraw(ctx, p.UserID)
		})
	case CmdAcceptDraw:
		err = c.route(cf, func(ctx context.Context, s *session.Session) error {
			return s.AcceptDraw(ctx, p.UserID)
		})
	case CmdDeclineDraw:
		err = c.route(cf, func(ctx context.Context, s *session.Session) error {
			return s.DeclineDraw(ctx, p.UserID)
		})
	case CmdSubscribe:
		err = c.handleSubscribe(cf, *p)
	case CmdUnsubscribe:
		c.dropSubscription(cf.Game)
		c.send(ackFrame(cf.Game, cf.ID, nil))
	case CmdChat:
		err = c.handleChat(cf, *p)
	default:
		err = fmt.Errorf("%w: unknown cmd %q", ErrBadFrame, cf.Cmd)
	}
	if err != nil {
		c.send(errorFrame(cf.Game, cf.ID, err))
	}
}

func (c *wsConn) handlePing(cf ClientFrame) {
	var args pingArgs
	if len(cf.Args) > 0 {
		json.Unmarshal(cf.Args, &args)
	}
	c.send(ServerFrame{
		V:         protocolVersion,
		Kind:      KindPong,
		Payload:   pongPayload{T: args.T, RTTMs: c.rttMs.Load()},
		InReplyTo: cf.ID,
	})
}

func (c *wsConn) handleAuth(cf ClientFrame) {
	var args authArgs
	if err := json.Unmarshal(cf.Args, &args); err != nil || args.Token == "" {
		c.send(errorFrame("", cf.ID, identity.ErrAuthFailed))
		c.shutdown()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
	defer cancel()
	p, err := c.g.idp.Verify(ctx, args.Token)
	if err != nil {
		metrics.AuthFailures.Inc()
		c.send(errorFrame("", cf.ID, err))
		c.shutdown()
		return
	}
	c.setPrincipal(p)
	c.send(ServerFrame{V: protocolVersion, Kind: KindAuthOK, Payload: p, InReplyTo: cf.ID})
}

// route looks up the session named by the frame and runs fn against it with
// the command deadline.
func (c *wsConn) route(cf ClientFrame, fn func(context.Context, *session.Session) error) error {
	sess, err := c.g.reg.Get(cf.Game)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
	defer cancel()
	if err := fn(ctx, sess); err != nil {
		return err
	}
	c.send(ackFrame(cf.Game, cf.ID, nil))
	return nil
}

// handleJoin either creates a game (no game id in the frame) or joins an
// open one, then subscribes the socket to its stream.
func (c *wsConn) handleJoin(cf ClientFrame, p identity.Principal) error {
	player := session.Player{UserID: p.UserID, Username: p.Username}

	if cf.Game == "" {
		if !c.g.limits.AllowCreate(p.UserID) {
			return ErrRateLimited
		}
		var args createArgs
		if err := json.Unmarshal(cf.Args, &args); err != nil {
			return fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		spec, pref, err := specFromArgs(args)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
		defer cancel()
		gameID, color, err := c.g.mm.Create(ctx, spec, player, pref)
		if err != nil {
			return err
		}
		c.send(ackFrame(gameID, cf.ID, map[string]any{"gameId": gameID, "color": color}))
		return c.subscribe(gameID, p, -1, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
	defer cancel()
	color, err := c.g.mm.Join(ctx, cf.Game, player)
	if err != nil {
		return err
	}
	c.send(ackFrame(cf.Game, cf.ID, map[string]any{"gameId": cf.Game, "color": color}))
	return c.subscribe(cf.Game, p, -1, "")
}

func (c *wsConn) handleLeave(cf ClientFrame, p identity.Principal) error {
	c.dropSubscription(cf.Game)
	if sess, ok := c.seated[cf.Game]; ok {
		delete(c.seated, cf.Game)
		ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
		defer cancel()
		sess.SetConnected(ctx, p.UserID, false)
	}
	c.send(ackFrame(cf.Game, cf.ID, nil))
	return nil
}

func (c *wsConn) handleMove(cf ClientFrame, p identity.Principal) error {
	if !c.g.limits.AllowMove(p.UserID, cf.Game) {
		return ErrRateLimited
	}
	var args moveArgs
	if err := json.Unmarshal(cf.Args, &args); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	promo, err := rules.ParsePromotion(args.Promotion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	sess, err := c.g.reg.Get(cf.Game)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
	defer cancel()
	rec, err := sess.Move(ctx, p.UserID, rules.MoveRequest{
		From:      args.From,
		To:        args.To,
		Promotion: promo,
	})
	if err != nil {
		return err
	}
	c.send(ackFrame(cf.Game, cf.ID, rec))
	return nil
}

func (c *wsConn) handleChat(cf ClientFrame, p identity.Principal) error {
	if !c.g.limits.AllowChat(p.UserID, cf.Game) {
		return ErrRateLimited
	}
	var args chatArgs
	if err := json.Unmarshal(cf.Args, &args); err != nil || args.Text == "" {
		return fmt.Errorf("%w: empty chat", ErrBadFrame)
	}
	sess, err := c.g.reg.Get(cf.Game)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
	defer cancel()
	if err := sess.Chat(ctx, p.UserID, p.Username, args.Text); err != nil {
		return err
	}
	c.send(ackFrame(cf.Game, cf.ID, nil))
	return nil
}

func (c *wsConn) handleSubscribe(cf ClientFrame, p identity.Principal) error {
	var args subscribeArgs
	if len(cf.Args) > 0 {
		if err := json.Unmarshal(cf.Args, &args); err != nil {
			return fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	}
	lastSeq := int64(-1)
	if args.LastSeq != nil {
		lastSeq = *args.LastSeq
	}
	return c.subscribe(cf.Game, p, lastSeq, cf.ID)
}

// subscribe attaches the socket to one game's stream. With lastSeq >= 0 the
// bus tail is replayed when it still covers the gap; otherwise the client
// gets a fresh snapshot, then the live stream.
func (c *wsConn) subscribe(gameID string, p identity.Principal, lastSeq int64, inReplyTo string) error {
	sess, err := c.g.reg.Get(gameID)
	if err != nil {
		return err
	}
	c.dropSubscription(gameID)

	subID := fmt.Sprintf("conn-%d", c.id)
	ctx, cancel := context.WithTimeout(context.Background(), c.g.cmdTime)
	defer cancel()

	var events <-chan session.Envelope
	if lastSeq >= 0 {
		snap, backlog, ch, err := sess.Resume(ctx, subID, lastSeq)
		if err != nil {
			return err
		}
		if snap != nil {
			c.send(snapshotFrame(gameID, *snap, inReplyTo))
		}
		for _, env := range backlog {
			c.send(eventFrame(gameID, env))
		}
		events = ch
	} else {
		snap, ch, err := sess.Subscribe(ctx, subID)
		if err != nil {
			return err
		}
		c.send(snapshotFrame(gameID, snap, inReplyTo))
		events = ch
	}

	sub := &subscription{gameID: gameID, sess: sess, subID: subID, cancel: make(chan struct{})}
	c.subs[gameID] = sub
	go c.forward(sub, events)

	// A seated player's socket doubles as their liveness signal.
	if snap, err := sess.State(ctx); err == nil && seatedIn(snap, p.UserID) {
		c.seated[gameID] = sess
		sess.SetConnected(ctx, p.UserID, true)
	}
	return nil
}

// dropSubscription detaches one game stream, if attached. Owned by the read
// pump.
func (c *wsConn) dropSubscription(gameID string) {
	if sub, ok := c.subs[gameID]; ok {
		close(sub.cancel)
		sub.sess.Unsubscribe(sub.subID)
		delete(c.subs, gameID)
	}
}

// forward copies one game's events onto the socket queue. A closed events
// channel means either the session retired (benign) or the bus dropped this
// subscriber for falling behind; the latter closes the socket so the client
// reconnects and resubscribes.
func (c *wsConn) forward(sub *subscription, events <-chan session.Envelope) {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				if sub.sess.Phase() != session.PhaseCompleted {
					c.lg.Warn("subscriber dropped", "game", sub.gameID)
					c.shutdown()
				}
				return
			}
			c.send(eventFrame(sub.gameID, env))
		case <-sub.cancel:
			return
		case <-c.closeCh:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func specFromArgs(args createArgs) (clock.Spec, session.ColorPref, error) {
	disc := clock.None
	if args.Discipline != "" {
		var err error
		disc, err = clock.ParseDiscipline(args.Discipline)
		if err != nil {
			return clock.Spec{}, "", err
		}
	}
	spec := clock.Spec{
		InitialMs:   args.InitialMs,
		IncrementMs: args.IncrementMs,
		DelayMs:     args.DelayMs,
		Discipline:  disc,
	}
	pref := session.PrefRandom
	switch session.ColorPref(args.ColorPref) {
	case session.PrefWhite, session.PrefBlack:
		pref = session.ColorPref(args.ColorPref)
	case session.PrefRandom, "":
	default:
		return clock.Spec{}, "", fmt.Errorf("%w: bad colorPref %q", ErrBadFrame, args.ColorPref)
	}
	return spec, pref, nil
}

func seatedIn(snap session.Snapshot, userID string) bool {
	if w := snap.PlayerFor(rules.White); w != nil && w.UserID == userID {
		return true
	}
	if b := snap.PlayerFor(rules.Black); b != nil && b.UserID == userID {
		return true
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
