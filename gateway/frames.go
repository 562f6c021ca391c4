package gateway

import (
	"encoding/json"

	"github.com/tempochess/tempo/session"
)

// protocolVersion is the wire protocol version stamped on every frame.
const protocolVersion = 1

// Client command kinds.
const (
	CmdAuth        = "auth"
	CmdJoinGame    = "join_game"
	CmdLeaveGame   = "leave_game"
	CmdMakeMove    = "make_move"
	CmdResign      = "resign"
	CmdOfferDraw   = "offer_draw"
	CmdAcceptDraw  = "accept_draw"
	CmdDeclineDraw = "decline_draw"
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdPing        = "ping"
	CmdChat        = "chat"
)

// Server-only frame kinds. Session event kinds pass through verbatim.
const (
	KindError    = "error"
	KindAck      = "ack"
	KindSnapshot = "snapshot"
	KindPong     = "pong"
	KindAuthOK   = "auth-ok"
)

// ClientFrame is a client→server message.
type ClientFrame struct {
	V    int             `json:"v"`
	ID   string          `json:"id,omitempty"`
	Cmd  string          `json:"cmd"`
	Game string          `json:"game,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ServerFrame is a server→client message: either a forwarded session event
// (Seq set, Kind from the bus) or a direct reply (InReplyTo set).
type ServerFrame struct {
	V         int    `json:"v"`
	Seq       *int64 `json:"seq,omitempty"`
	Kind      string `json:"kind"`
	Game      string `json:"game,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	InReplyTo string `json:"inReplyTo,omitempty"`
}

// Command argument shapes.

type authArgs struct {
	Token string `json:"token"`
}

type moveArgs struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

type createArgs struct {
	InitialMs   int64  `json:"initialMs"`
	IncrementMs int64  `json:"incrementMs"`
	DelayMs     int64  `json:"delayMs"`
	Discipline  string `json:"discipline"`
	ColorPref   string `json:"colorPref,omitempty"`
}

type subscribeArgs struct {
	// LastSeq resumes the stream past an interrupted subscription; -1 (the
	// zero request) asks for a fresh snapshot.
	LastSeq *int64 `json:"lastSeq,omitempty"`
}

type chatArgs struct {
	Text string `json:"text"`
}

type pingArgs struct {
	// T is the client's send timestamp, echoed back for RTT measurement.
	T int64 `json:"t,omitempty"`
}

type pongPayload struct {
	T int64 `json:"t,omitempty"`
	// RTTMs is the server's latest round-trip estimate for this socket.
	RTTMs int64 `json:"rttMs,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// eventFrame wraps a session envelope for one game's stream.
func eventFrame(gameID string, env session.Envelope) ServerFrame {
	seq := env.Seq
	return ServerFrame{
		V:       protocolVersion,
		Seq:     &seq,
		Kind:    string(env.Kind),
		Game:    gameID,
		Payload: env.Payload,
	}
}

// snapshotFrame wraps a session snapshot; Seq rides inside the payload.
func snapshotFrame(gameID string, snap session.Snapshot, inReplyTo string) ServerFrame {
	return ServerFrame{
		V:         protocolVersion,
		Kind:      KindSnapshot,
		Game:      gameID,
		Payload:   snap,
		InReplyTo: inReplyTo,
	}
}

func ackFrame(gameID, inReplyTo string, payload any) ServerFrame {
	return ServerFrame{
		V:         protocolVersion,
		Kind:      KindAck,
		Game:      gameID,
		Payload:   payload,
		InReplyTo: inReplyTo,
	}
}

func errorFrame(gameID, inReplyTo string, err error) ServerFrame {
	_, code := errorCode(err)
	return ServerFrame{
		V:         protocolVersion,
		Kind:      KindError,
		Game:      gameID,
		Payload:   errorPayload{Code: code, Message: publicMessage(err)},
		InReplyTo: inReplyTo,
	}
}

// publicMessage strips internal detail from errors crossing the wire.
// Sentinels carry a stable, safe message; anything else says nothing.
func publicMessage(err error) string {
	if _, code := errorCode(err); code == "internal" {
		return "internal error"
	}
	return err.Error()
}
