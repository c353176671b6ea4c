package hub

import (
	"testing"
	"time"

	"github.com/quickhub-go/hubd/internal/model"
)

// Scenario tests named after spec §8's six literal walkthroughs (S1-S4;
// S5's session-expiry reaping is covered in package session and S6's
// keepalive timeout in package multiplex, the packages that actually own
// those mechanisms), each driven over the same real
// httptest.Server+gorilla/websocket harness as hub_test.go.

// S1: login, then attach a dynamic synclist under home/, receiving an
// empty dump.
func TestScenarioLoginThenAttachReceivesEmptyDump(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "admin", "password")

	conn := th.dial(t, "C1")
	token := login(t, conn, "admin", "password")

	send(t, conn, &model.Message{Command: "synclist:attach", Token: token, Parameters: rawJSON(t, map[string]string{"descriptor": "home/todo"})})
	requireSuccess(t, recv(t, conn))

	dump := recv(t, conn)
	if dump.Command != "synclist:dump" {
		t.Fatalf("Command = %q, want synclist:dump", dump.Command)
	}
	var body struct {
		Data []any `json:"data"`
	}
	if err := unmarshalParams(dump, &body); err != nil {
		t.Fatalf("unmarshal dump failed: %v", err)
	}
	if len(body.Data) != 0 {
		t.Fatalf("Data = %v, want an empty list for a freshly created home/ synclist", body.Data)
	}
}

// S2: two channels attached to the same list; an append from one is
// acknowledged to the sender and broadcast to both, with reply=true only
// for the originating channel.
func TestScenarioListAppendFansOutWithReplyFlagSetOnlyForOrigin(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "admin", "password")

	connC1 := th.dial(t, "C1")
	token := login(t, connC1, "admin", "password")
	send(t, connC1, &model.Message{Command: "synclist:attach", Token: token, Parameters: rawJSON(t, map[string]string{"descriptor": "home/todo"})})
	requireSuccess(t, recv(t, connC1))
	_ = recv(t, connC1) // dump

	connC2 := th.dial(t, "C2")
	send(t, connC2, &model.Message{Command: "synclist:attach", Token: token, Parameters: rawJSON(t, map[string]string{"descriptor": "home/todo"})})
	requireSuccess(t, recv(t, connC2))
	_ = recv(t, connC2) // dump

	send(t, connC1, &model.Message{Command: "synclist:append", Token: token, Parameters: rawJSON(t, map[string]any{"data": map[string]string{"title": "buy milk"}})})

	// listAppend broadcasts to every member, origin included, before
	// acknowledging the command, so C1 sees its own copy first.
	c1Broadcast := recv(t, connC1)
	if c1Broadcast.Command != "synclist:append" || c1Broadcast.Reply == nil || !*c1Broadcast.Reply {
		t.Fatalf("C1 broadcast = %+v, want synclist:append with reply=true (it originated the change)", c1Broadcast)
	}
	requireSuccess(t, recv(t, connC1))

	c2Broadcast := recv(t, connC2)
	if c2Broadcast.Command != "synclist:append" || c2Broadcast.Reply == nil || *c2Broadcast.Reply {
		t.Fatalf("C2 broadcast = %+v, want synclist:append with reply=false", c2Broadcast)
	}

	var itemBody struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := unmarshalParams(c2Broadcast, &itemBody); err != nil {
		t.Fatalf("unmarshal broadcast failed: %v", err)
	}
	if itemBody.Data.Data["title"] != "buy milk" {
		t.Fatalf("appended item = %+v, want title=buy milk", itemBody.Data)
	}
}

// S3: a device registers, gets hooked under an admin-chosen mapping, a
// client attaches and sets a property; the twin marks it dirty, forwards
// the write to the device, and the device's real-value echo clears dirty
// and reports real=true.
func TestScenarioDeviceRegistrationHookAttachAndPropertySet(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "admin", "password")

	dev := th.dial(t, "devconn")
	send(t, dev, &model.Message{Command: "node:register", Parameters: rawJSON(t, map[string]any{
		"id": "AA:BB", "sid": "Q7X9", "type": "lamp", "key": 0,
		"functions":  []map[string]any{{"name": "setOn", "params": map[string]string{"val": "bool"}}},
		"properties": map[string]any{"on": false},
	})})
	requireSuccess(t, recv(t, dev))

	th.hookDevice(t, "living/lamp1", "AA:BB")

	client := th.dial(t, "client1")
	token := login(t, client, "admin", "password")
	send(t, client, &model.Message{Command: "device:attach", Token: token, Parameters: rawJSON(t, map[string]string{"descriptor": "living/lamp1"})})
	requireSuccess(t, recv(t, client))

	dump := recv(t, client)
	if dump.Command != "device:dump" {
		t.Fatalf("Command = %q, want device:dump", dump.Command)
	}
	var dumpBody struct {
		Data map[string]any `json:"data"`
	}
	if err := unmarshalParams(dump, &dumpBody); err != nil {
		t.Fatalf("unmarshal dump failed: %v", err)
	}
	if on, _ := dumpBody.Data["on"].(bool); on {
		t.Fatalf("dump on=%v, want false", dumpBody.Data["on"])
	}

	send(t, client, &model.Message{Command: "device:setproperty", Token: token, Parameters: rawJSON(t, map[string]any{"property": "on", "value": true})})

	// SetDeviceProperty fires PropertyChanged (and so the broadcast) from
	// inside the command handler, before it acknowledges the command.
	dirtySet := recv(t, client)
	if dirtySet.Command != "device:prop:set" {
		t.Fatalf("Command = %q, want device:prop:set", dirtySet.Command)
	}
	requireSuccess(t, recv(t, client))
	var dirtyBody struct {
		Property string `json:"property"`
		Real     bool   `json:"real"`
		Dirty    bool   `json:"dirty"`
	}
	if err := unmarshalParams(dirtySet, &dirtyBody); err != nil {
		t.Fatalf("unmarshal dirty prop:set failed: %v", err)
	}
	if dirtyBody.Property != "on" || dirtyBody.Real || !dirtyBody.Dirty {
		t.Fatalf("dirty prop:set = %+v, want {property:on, real:false, dirty:true}", dirtyBody)
	}

	twin := th.h.devices.EnsureTwin("AA:BB")
	twin.OnPropertyChanged("on", true) // device echoes the accepted write

	confirmedSet := recv(t, client)
	var confirmedBody struct {
		Property string `json:"property"`
		Real     bool   `json:"real"`
		Dirty    bool   `json:"dirty"`
	}
	if err := unmarshalParams(confirmedSet, &confirmedBody); err != nil {
		t.Fatalf("unmarshal confirmed prop:set failed: %v", err)
	}
	if confirmedBody.Property != "on" || !confirmedBody.Real || confirmedBody.Dirty {
		t.Fatalf("confirmed prop:set = %+v, want {property:on, real:true, dirty:false}", confirmedBody)
	}
}

// S4: a client writes to a property while the device is offline (already
// hooked and seen once, but its transport has been torn down); when the
// device reconnects and advertises a stale value, the twin keeps the
// pending write dirty, forwards it back to the device, and the device's
// echo of the pending value finally clears it with accepted=true.
//
// Hook.EnsureAuthKey assigns a random auth key to a twin the first time it
// is hooked, so the device has to register once (before hooking, with
// key:0) to go online, and must echo the twin's real key on reconnect or
// AttachTransport silently rejects it per spec §4.9's auth-key check.
func TestScenarioOfflineWriteThenReconciliationOnReconnect(t *testing.T) {
	th := newTestHub(t)
	th.addUser(t, "admin", "password")

	dev := th.dial(t, "devconn")
	send(t, dev, &model.Message{Command: "node:register", Parameters: rawJSON(t, map[string]any{
		"id": "CC:DD", "sid": "Q7X9", "type": "lamp", "key": 0,
		"properties": map[string]any{"on": false},
	})})
	requireSuccess(t, recv(t, dev))

	th.hookDevice(t, "living/lamp2", "CC:DD")
	twin := th.h.devices.EnsureTwin("CC:DD")
	authKey := twin.AuthKey()

	client := th.dial(t, "client1")
	token := login(t, client, "admin", "password")
	send(t, client, &model.Message{Command: "device:attach", Token: token, Parameters: rawJSON(t, map[string]string{"descriptor": "living/lamp2"})})
	requireSuccess(t, recv(t, client))
	_ = recv(t, client) // dump, device still online with on:false

	dev.Close()
	time.Sleep(200 * time.Millisecond) // let DeregisterTransport run

	// DetachTransport reports the device OFFLINE to every subscriber.
	offline := recv(t, client)
	var offlineState struct {
		State string `json:"state"`
	}
	if err := unmarshalParams(offline, &offlineState); err != nil || offline.Command != "device:state" || offlineState.State != string(model.DeviceOffline) {
		t.Fatalf("after disconnect got %+v (state %q, err=%v), want device:state OFFLINE", offline, offlineState.State, err)
	}

	send(t, client, &model.Message{Command: "device:setproperty", Token: token, Parameters: rawJSON(t, map[string]any{"property": "on", "value": true})})

	// Property.SetValue fires regardless of whether a transport is attached,
	// so the client's own write broadcasts immediately even while offline
	// (and before the command is acknowledged); it just never reaches a
	// device since there is no transport to forward it to.
	offlineSet := recv(t, client)
	var offlineBody struct {
		Property string `json:"property"`
		Real     bool   `json:"real"`
		Dirty    bool   `json:"dirty"`
	}
	if err := unmarshalParams(offlineSet, &offlineBody); err != nil {
		t.Fatalf("unmarshal offline prop:set failed: %v", err)
	}
	if offlineBody.Property != "on" || offlineBody.Real || !offlineBody.Dirty {
		t.Fatalf("offline prop:set = %+v, want {property:on, real:false, dirty:true}", offlineBody)
	}
	requireSuccess(t, recv(t, client))

	dev2 := th.dial(t, "devconn2")
	send(t, dev2, &model.Message{Command: "node:register", Parameters: rawJSON(t, map[string]any{
		"id": "CC:DD", "sid": "Q7X9", "type": "lamp", "key": authKey,
		"properties": map[string]any{"on": false},
	})})
	requireSuccess(t, recv(t, dev2))

	// reconcile() advertises the stale real value while the pending write
	// stays dirty, then forwards the dirty set back to the device.
	reconciled := recv(t, client)
	var reconciledBody struct {
		Property string `json:"property"`
		Dirty    bool   `json:"dirty"`
	}
	if err := unmarshalParams(reconciled, &reconciledBody); err != nil {
		t.Fatalf("unmarshal reconciled prop:set failed: %v", err)
	}
	if reconciledBody.Property != "on" || !reconciledBody.Dirty {
		t.Fatalf("reconciled prop:set = %+v, want {property:on, dirty:true} (pending write survives the stale advertised value)", reconciledBody)
	}

	// AttachTransport reports ONLINE after reconcile has run.
	online := recv(t, client)
	var onlineState struct {
		State string `json:"state"`
	}
	if err := unmarshalParams(online, &onlineState); err != nil || online.Command != "device:state" || onlineState.State != string(model.DeviceOnline) {
		t.Fatalf("after reconnect got %+v (state %q, err=%v), want device:state ONLINE", online, onlineState.State, err)
	}

	twin.OnPropertyChanged("on", true) // device echoes the pending value

	confirmed := recv(t, client)
	var confirmedBody struct {
		Property string `json:"property"`
		Real     bool   `json:"real"`
		Dirty    bool   `json:"dirty"`
	}
	if err := unmarshalParams(confirmed, &confirmedBody); err != nil {
		t.Fatalf("unmarshal confirmed prop:set failed: %v", err)
	}
	if confirmedBody.Property != "on" || !confirmedBody.Real || confirmedBody.Dirty {
		t.Fatalf("confirmed prop:set = %+v, want {property:on, real:true, dirty:false}", confirmedBody)
	}
}
