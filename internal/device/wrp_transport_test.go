package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	wrp "github.com/xmidt-org/wrp-go/v3"

	"github.com/go-kit/log"

	"github.com/quickhub-go/hubd/internal/model"
)

// echoWrpServer decodes the inbound WRP request, records its payload, and
// replies with an empty valid WRP message, matching the teacher's
// newEchoWRPServer helper in internal/rpc/wrp_client_test.go.
func echoWrpServer(t *testing.T, captured *wrp.Message) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in wrp.Message
		if err := wrp.NewDecoder(r.Body, wrp.Msgpack).Decode(&in); err != nil {
			t.Fatalf("server failed to decode inbound wrp message: %v", err)
		}
		*captured = in
		w.Header().Set("Content-Type", "application/msgpack")
		_ = wrp.NewEncoder(w, wrp.Msgpack).Encode(&wrp.Message{})
	}))
}

// A WRP-bridged device registers through the same Manager.RegisterTransport
// path as a direct SocketDevice, and a client-driven property write is
// forwarded to it as a WRP SimpleRequestResponse call (spec §4.9
// "Registration"/"Command forwarding" applied to a non-WebSocket device).
func TestWrpTransportForwardsPropertySetThroughManager(t *testing.T) {
	var captured wrp.Message
	srv := echoWrpServer(t, &captured)
	defer srv.Close()

	client := &WrpClient{URL: srv.URL}
	tr := NewWrpTransport(client, "hubd", "mac:aabbccddeeff/parodus/service", "wrp-dev-1", "WD1", "lamp", 0,
		[]model.FunctionDescriptor{{Name: "setOn", Params: map[string]any{"val": "bool"}}},
		map[string]any{"on": false})

	m := NewManager(log.NewNopLogger(), nil, &capturingEvents{})
	if ok := m.RegisterTransport(tr); !ok {
		t.Fatal("RegisterTransport should accept a never-before-seen WrpTransport")
	}

	twin, ok := m.Twin("wrp-dev-1")
	if !ok {
		t.Fatal("expected a twin for the registered WRP transport")
	}
	if twin.State() != model.DeviceOnline {
		t.Fatalf("twin state = %v, want online once a transport is attached", twin.State())
	}

	if derr := twin.SetDeviceProperty(nil, "on", true); derr != nil {
		t.Fatalf("SetDeviceProperty failed: %v", derr)
	}

	if captured.Type != wrp.SimpleRequestResponseMessageType {
		t.Fatalf("captured message type = %v, want SimpleRequestResponseMessageType", captured.Type)
	}
	if captured.Source != "hubd" || captured.Destination != "mac:aabbccddeeff/parodus/service" {
		t.Fatalf("captured source/dest = %q/%q, want hubd/mac:aabbccddeeff/parodus/service", captured.Source, captured.Destination)
	}
	var body struct {
		Cmd    string                    `json:"cmd"`
		Params map[string]map[string]any `json:"params"`
	}
	if err := json.Unmarshal(captured.Payload, &body); err != nil {
		t.Fatalf("unmarshal captured payload failed: %v", err)
	}
	if body.Cmd != "call" {
		t.Fatalf("Cmd = %q, want call", body.Cmd)
	}
	if body.Params["setOn"]["val"] != true {
		t.Fatalf("params = %+v, want setOn.val=true", body.Params)
	}
}

func TestWrpClientAuthPrefixing(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"dXNlcjpwYXNz", "Basic dXNlcjpwYXNz"},
		{"Bearer token123", "Bearer token123"},
	}
	for _, c := range cases {
		var got string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/msgpack")
			_ = wrp.NewEncoder(w, wrp.Msgpack).Encode(&wrp.Message{})
		}))
		client := &WrpClient{URL: srv.URL, Authorization: c.in}
		if _, err := client.Do(context.Background(), &wrp.Message{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		srv.Close()
		if got != c.want {
			t.Errorf("auth mismatch for input %q: got %q want %q", c.in, got, c.want)
		}
	}
}
