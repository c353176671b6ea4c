// Package codec implements the framing contract of spec §4.1: serialize a
// Message to a UTF-8 JSON text frame or an equivalent binary frame, and
// remember which one the peer used so replies match. Malformed frames are
// dropped with a log line; no error ever propagates out of Decode in a way
// that could crash a reader loop.
package codec

import (
	"encoding/json"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/quickhub-go/hubd/internal/model"
)

// FrameKind records whether a peer is using text or binary WebSocket
// frames, mirroring gorilla/websocket's own message-type constants.
type FrameKind int

const (
	FrameText   FrameKind = websocket.TextMessage
	FrameBinary FrameKind = websocket.BinaryMessage
)

// Decode parses a raw frame into a Message. On malformed JSON it logs via
// logger and returns (nil, false) rather than an error: per spec §4.1 "the
// peer cannot be identified" for a broken frame, so there is nothing
// meaningful to reply to or retry.
func Decode(logger log.Logger, raw []byte) (*model.Message, bool) {
	var m model.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		level.Warn(logger).Log("msg", "dropping malformed frame", "err", err, "bytes", len(raw))
		return nil, false
	}
	return &m, true
}

// Encode serializes v (typically a *model.Message) back to the frame kind
// the peer originally used, so that a client that spoke binary frames keeps
// receiving binary frames and vice versa.
func Encode(v any, kind FrameKind) ([]byte, int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, 0, err
	}
	return raw, int(kind), nil
}
