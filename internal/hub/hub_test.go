package hub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	gorillaws "github.com/gorilla/websocket"

	"github.com/quickhub-go/hubd/internal/device"
	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/multiplex"
	"github.com/quickhub-go/hubd/internal/notify"
	"github.com/quickhub-go/hubd/internal/resource"
	"github.com/quickhub-go/hubd/internal/rpcsvc"
	"github.com/quickhub-go/hubd/internal/session"
	"github.com/quickhub-go/hubd/internal/storage"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return b
}

func unmarshalParams(msg *model.Message, v any) error {
	return json.Unmarshal(msg.Params(), v)
}

func requireSuccess(t *testing.T, m *model.Message) {
	t.Helper()
	if !strings.HasSuffix(m.Command, ":success") {
		t.Fatalf("got %+v, want a :success reply", m)
	}
}

func requireFailed(t *testing.T, m *model.Message, code model.HubCode) {
	t.Helper()
	if !strings.HasSuffix(m.Command, ":failed") {
		t.Fatalf("got %+v, want a :failed reply", m)
	}
	if m.ErrorCode == nil || *m.ErrorCode != code {
		t.Fatalf("ErrorCode = %v, want %v", m.ErrorCode, code)
	}
}

// testHub wires every collaborator the way cmd/hubd does, against a
// storage.JSONFileStore in a per-test temp dir, and serves it over a real
// websocket so each test
// exercises the same multiplex.Connection -> Hub.HandleMessage path a real
// client would (spec §4.2/§4.8).
type testHub struct {
	h        *Hub
	auth     *session.StaticAuthenticator
	sessions *session.Service
	devices  *device.Manager
	srv      *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	logger := log.NewNopLogger()
	store, err := storage.NewJSONFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONFileStore failed: %v", err)
	}

	auth := session.NewStaticAuthenticator()
	sessions := session.NewService(logger)
	sessions.RegisterAuthenticator(auth)

	registry := resource.NewRegistry(sessions)
	registry.RegisterFactory(&resource.ListFactory{Store: store})
	registry.RegisterFactory(&resource.SettingsFactory{Prefix: "settings/", Store: store, PubliclyReadable: false})
	registry.RegisterFactory(&resource.ImageFactory{Prefix: "images/", Store: store})

	rpc := rpcsvc.NewDispatcher(logger)
	bus := notify.NewBus()

	h := New(logger, sessions, auth, registry, rpc, bus, store)
	devices := device.NewManager(logger, store, h)
	h.SetDevices(devices)
	registry.RegisterFactory(&device.TwinFactory{Manager: devices})

	upgrader := &multiplex.Upgrader{Upgrade: gorillaws.Upgrader{}, Dispatcher: h, Logger: logger}
	srv := httptest.NewServer(upgrader)
	t.Cleanup(srv.Close)

	return &testHub{h: h, auth: auth, sessions: sessions, devices: devices, srv: srv}
}

// hookDevice wires descriptor -> uuid through Manager.Hook the way an
// admin operator would out-of-band (spec §4.9 "Twin lifecycle" is governed
// by hook/unhook, never exposed as a device:* wire command).
func (th *testHub) hookDevice(t *testing.T, descriptor, uuid string) {
	t.Helper()
	th.addUser(t, "hook-admin", "secret")
	u, _ := th.auth.GetUser("hook-admin")
	u.SetPermission(device.PermissionManageDevices, true)
	th.auth.AddUser(u)
	token, _, err := th.sessions.Login("hook-admin", "secret")
	if err != nil {
		t.Fatalf("hook-admin login failed: %v", err)
	}
	identity := th.sessions.ValidateToken(token)
	if herr := th.devices.Hook(identity, descriptor, uuid); herr != nil {
		t.Fatalf("Hook failed: %v", herr)
	}
}

func (th *testHub) dial(t *testing.T, uuid string) *gorillaws.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(th.srv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(map[string]string{"command": "connection:register", "uuid": uuid}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return conn
}

func (th *testHub) addUser(t *testing.T, id, password string) {
	t.Helper()
	hash, err := session.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	th.auth.AddUser(model.NewUser(id, hash))
}

func send(t *testing.T, conn *gorillaws.Conn, msg *model.Message) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func recv(t *testing.T, conn *gorillaws.Conn) *model.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m model.Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return &m
}

func login(t *testing.T, conn *gorillaws.Conn, userID, password string) string {
	t.Helper()
	send(t, conn, &model.Message{Command: "user:login", Parameters: rawJSON(t, map[string]string{"userID": userID, "password": password})})
	reply := recv(t, conn)
	requireSuccess(t, reply)
	var body struct {
		Token string `json:"token"`
	}
	if err := unmarshalParams(reply, &body); err != nil {
		t.Fatalf("unmarshal login reply failed: %v", err)
	}
	if body.Token == "" {
		t.Fatal("login succeeded but returned an empty token")
	}
	return body.Token
}

func TestLoginOverWebsocketReturnsUsableToken(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "alice", "secret")
	conn := th.dial(t, "c1")

	token := login(t, conn, "alice", "secret")

	send(t, conn, &model.Message{Command: "user:logout", Token: token})
	requireSuccess(t, recv(t, conn))
}

func TestLoginWithWrongPasswordFailsOverWebsocket(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "alice", "secret")
	conn := th.dial(t, "c1")

	send(t, conn, &model.Message{Command: "user:login", Parameters: rawJSON(t, map[string]string{"userID": "alice", "password": "wrong"})})
	requireFailed(t, recv(t, conn), model.ErrPermissionDenied)
}

func TestSynclistAttachDumpAppendBroadcastsToOtherSubscriberAndDetach(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "alice", "secret")
	th.addUser(t, "bob", "secret")

	connA := th.dial(t, "a")
	tokenA := login(t, connA, "alice", "secret")
	connB := th.dial(t, "b")
	tokenB := login(t, connB, "bob", "secret")

	send(t, connA, &model.Message{Command: "synclist:attach", Token: tokenA, Parameters: rawJSON(t, map[string]string{"descriptor": "shared/rooms"})})
	requireSuccess(t, recv(t, connA))
	dump := recv(t, connA)
	if dump.Command != "synclist:dump" {
		t.Fatalf("Command = %q, want synclist:dump", dump.Command)
	}

	send(t, connB, &model.Message{Command: "synclist:attach", Token: tokenB, Parameters: rawJSON(t, map[string]string{"descriptor": "shared/rooms"})})
	requireSuccess(t, recv(t, connB)) // attach reply
	_ = recv(t, connB)                // dump

	send(t, connA, &model.Message{Command: "synclist:append", Token: tokenA, Parameters: rawJSON(t, map[string]string{"data": "kitchen"})})

	// listAppend broadcasts to every member (including the origin) before
	// acknowledging the command, so connA sees its own broadcast copy first.
	ownBroadcast := recv(t, connA)
	if ownBroadcast.Command != "synclist:append" || ownBroadcast.Reply == nil || !*ownBroadcast.Reply {
		t.Fatalf("own broadcast = %+v, want synclist:append with reply=true", ownBroadcast)
	}
	requireSuccess(t, recv(t, connA))

	broadcast := recv(t, connB)
	if broadcast.Command != "synclist:append" {
		t.Fatalf("Command = %q, want the append broadcast to reach the other subscriber", broadcast.Command)
	}
	if broadcast.Reply == nil || *broadcast.Reply {
		t.Fatalf("Reply = %v, want false for a non-originating subscriber", broadcast.Reply)
	}

	send(t, connA, &model.Message{Command: "synclist:detach", Token: tokenA})
	requireSuccess(t, recv(t, connA))
}

func TestSynclistAttachWithUnknownTokenFails(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t, "a")

	send(t, conn, &model.Message{Command: "synclist:attach", Token: "bogus", Parameters: rawJSON(t, map[string]string{"descriptor": "shared/rooms"})})
	requireFailed(t, recv(t, conn), model.ErrInvalidToken)
}

func TestSettingsAttachDeniedForNonAdminIdentityOnNonPublicSettings(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "alice", "secret")
	conn := th.dial(t, "a")
	token := login(t, conn, "alice", "secret")

	send(t, conn, &model.Message{Command: "settings:attach", Token: token, Parameters: rawJSON(t, map[string]string{"descriptor": "settings/app"})})
	requireFailed(t, recv(t, conn), model.ErrPermissionDenied)
}

func TestSettingsWriteAllowedForAdminIdentity(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "root", "secret")
	u, _ := th.auth.GetUser("root")
	u.SetPermission("is-admin", true)
	th.auth.AddUser(u)

	conn := th.dial(t, "a")
	token := login(t, conn, "root", "secret")

	send(t, conn, &model.Message{Command: "settings:attach", Token: token, Parameters: rawJSON(t, map[string]string{"descriptor": "settings/app"})})
	requireSuccess(t, recv(t, conn)) // attach reply
	_ = recv(t, conn)                // dump

	send(t, conn, &model.Message{Command: "settings:setproperty", Token: token, Parameters: rawJSON(t, map[string]string{"name": "theme", "value": "dark"})})

	// handleObjectCommand broadcasts the change to every attached member
	// (this channel included) before acknowledging the command.
	broadcast := recv(t, conn)
	if broadcast.Command != "settings:setproperty" {
		t.Fatalf("Command = %q, want the setproperty broadcast first", broadcast.Command)
	}
	requireSuccess(t, recv(t, conn))
}

func TestDeviceRegisterAttachAndPropertyChangedBroadcast(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "alice", "secret")

	dev := th.dial(t, "dev1")
	send(t, dev, &model.Message{Command: "node:register", Parameters: rawJSON(t, map[string]any{
		"id": "uuid-1", "sid": "d1", "type": "thermostat", "key": 0,
	})})
	requireSuccess(t, recv(t, dev))
	th.hookDevice(t, "d1", "uuid-1")

	client := th.dial(t, "client1")
	token := login(t, client, "alice", "secret")
	send(t, client, &model.Message{Command: "device:attach", Token: token, Parameters: rawJSON(t, map[string]string{"descriptor": "d1"})})
	requireSuccess(t, recv(t, client)) // attach reply
	_ = recv(t, client)                // dump

	twin := th.h.devices.EnsureTwin("uuid-1")
	twin.OnPropertyChanged("temperature", 21.5)

	propMsg := recv(t, client)
	if propMsg.Command != "device:prop:set" {
		t.Fatalf("Command = %q, want device:prop:set", propMsg.Command)
	}
}

func TestDeviceCallRoutesReplyOnlyToCallingChannel(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "alice", "secret")

	dev := th.dial(t, "dev1")
	send(t, dev, &model.Message{Command: "node:register", Parameters: rawJSON(t, map[string]any{
		"id": "uuid-2", "sid": "d2", "type": "thermostat", "key": 0,
		"functions": []map[string]any{{"name": "beep"}},
	})})
	requireSuccess(t, recv(t, dev))
	th.hookDevice(t, "d2", "uuid-2")

	clientA := th.dial(t, "a")
	tokenA := login(t, clientA, "alice", "secret")
	send(t, clientA, &model.Message{Command: "device:attach", Token: tokenA, Parameters: rawJSON(t, map[string]string{"descriptor": "d2"})})
	requireSuccess(t, recv(t, clientA)) // attach reply
	_ = recv(t, clientA)                // dump

	clientB := th.dial(t, "b")
	tokenB := login(t, clientB, "alice", "secret")
	send(t, clientB, &model.Message{Command: "device:attach", Token: tokenB, Parameters: rawJSON(t, map[string]string{"descriptor": "d2"})})
	requireSuccess(t, recv(t, clientB)) // attach reply
	_ = recv(t, clientB)                // dump

	send(t, clientA, &model.Message{Command: "device:call", Token: tokenA, Parameters: rawJSON(t, map[string]any{"name": "beep", "params": map[string]any{}})})
	callReply := recv(t, clientA)
	requireSuccess(t, callReply)
	var callBody struct {
		CbID string `json:"cbID"`
	}
	if err := unmarshalParams(callReply, &callBody); err != nil || callBody.CbID == "" {
		t.Fatalf("expected a non-empty cbID, got %+v (err=%v)", callBody, err)
	}

	// The device replies the way a real firmware would: an unsolicited "msg"
	// frame whose subject is the cbID hub assigned, surfaced to Twin via
	// OnDataReceived and routed back to the one channel that called.
	twin := th.h.devices.EnsureTwin("uuid-2")
	twin.OnDataReceived(callBody.CbID, map[string]any{"result": "ok"})

	callbackMsg := recv(t, clientA)
	if callbackMsg.Command != "device:call:response" {
		t.Fatalf("Command = %q, want device:call:response delivered only to the calling channel", callbackMsg.Command)
	}

	_ = clientB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray model.Message
	if err := clientB.ReadJSON(&stray); err == nil {
		t.Fatalf("non-calling channel received %+v, want nothing", stray)
	}
}

func TestHandleChannelClosedDetachesSynclistSubscription(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "alice", "secret")

	connA := th.dial(t, "a")
	tokenA := login(t, connA, "alice", "secret")
	send(t, connA, &model.Message{Command: "synclist:attach", Token: tokenA, Parameters: rawJSON(t, map[string]string{"descriptor": "shared/rooms"})})
	requireSuccess(t, recv(t, connA)) // attach reply
	_ = recv(t, connA)                // dump

	connB := th.dial(t, "b")
	tokenB := login(t, connB, "alice", "secret")
	send(t, connB, &model.Message{Command: "synclist:attach", Token: tokenB, Parameters: rawJSON(t, map[string]string{"descriptor": "shared/rooms"})})
	requireSuccess(t, recv(t, connB)) // attach reply
	_ = recv(t, connB)                // dump

	connA.Close()
	time.Sleep(200 * time.Millisecond) // let the server-side teardown run

	send(t, connB, &model.Message{Command: "synclist:append", Token: tokenB, Parameters: rawJSON(t, map[string]string{"data": "garage"})})
	_ = recv(t, connB) // connB's own broadcast copy, sent before the ack
	requireSuccess(t, recv(t, connB))
}
