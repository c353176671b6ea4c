package codec

import (
	"testing"

	"github.com/go-kit/log"

	"github.com/quickhub-go/hubd/internal/model"
)

func TestDecodeValidFrame(t *testing.T) {
	msg, ok := Decode(log.NewNopLogger(), []byte(`{"command":"ping"}`))
	if !ok {
		t.Fatal("Decode should succeed on valid JSON")
	}
	if msg.Command != "ping" {
		t.Fatalf("Command = %q, want ping", msg.Command)
	}
}

func TestDecodeMalformedFrameDropped(t *testing.T) {
	_, ok := Decode(log.NewNopLogger(), []byte(`{not json`))
	if ok {
		t.Fatal("Decode should report failure on malformed JSON, not panic or error out")
	}
}

func TestEncodePreservesFrameKind(t *testing.T) {
	msg := &model.Message{Command: "pong"}
	raw, kind, err := Encode(msg, FrameBinary)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if kind != int(FrameBinary) {
		t.Fatalf("kind = %d, want %d", kind, FrameBinary)
	}
	if len(raw) == 0 {
		t.Fatal("Encode produced no bytes")
	}
}
