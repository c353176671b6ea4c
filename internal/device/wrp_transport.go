package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	wrp "github.com/xmidt-org/wrp-go/v3"

	"github.com/quickhub-go/hubd/internal/model"
)

// WrpClient performs HTTP POST of msgpack encoded WRP messages to a
// Scytale-compatible endpoint, grounded on the teacher's
// internal/rpc.WRPClient (same encode/decode/auth-prefixing shape, renamed
// into this package since it now backs a Transport rather than a JSON-RPC
// Dispatcher).
type WrpClient struct {
	Client        *http.Client
	URL           string
	Authorization string // optional bearer/basic/digest token
}

var errWrpBadStatus = fmt.Errorf("upstream returned non-2xx status")

// Do sends a WRP message and decodes the WRP response.
func (wc *WrpClient) Do(ctx context.Context, m *wrp.Message) (*wrp.Message, error) {
	if wc.Client == nil {
		wc.Client = &http.Client{Timeout: 10 * time.Second}
	}
	buf := &bytes.Buffer{}
	if err := wrp.NewEncoder(buf, wrp.Msgpack).Encode(m); err != nil {
		return nil, fmt.Errorf("encode wrp: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.URL, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/msgpack")
	if wc.Authorization != "" {
		auth := strings.TrimSpace(wc.Authorization)
		lower := strings.ToLower(auth)
		if !(strings.HasPrefix(lower, "basic ") || strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "digest ")) {
			auth = "Basic " + auth
		}
		req.Header.Set("Authorization", auth)
	}
	resp, err := wc.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s", errWrpBadStatus, string(body))
	}
	var out wrp.Message
	if err := wrp.NewDecoder(resp.Body, wrp.Msgpack).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode wrp: %w", err)
	}
	return &out, nil
}

// WrpTransport is an optional Transport backed by an XMiDT/WRP-speaking
// device rather than a direct WebSocket channel: calls are encoded as WRP
// SimpleRequestResponse messages and POSTed through a WrpClient, grounded
// on the teacher's internal/rpc/wrp_client.go and wrp_dispatcher.go. It
// lets a twin address a device that only speaks WRP (e.g. behind a XMiDT
// talaria) using the same Transport contract as a direct SocketDevice.
// cmd/hubd wires one in when WRP_BRIDGE_ENABLE names a single bridged
// device at startup (spec §4.9 "Registration" applies equally to a
// transport that isn't a multiplex.Channel).
type WrpTransport struct {
	Client *WrpClient
	Source string
	Dest   string // device destination, e.g. "mac:aabbccddeeff/parodus/service"

	uuid       string
	shortID    string
	deviceType string
	authKey    uint32
	functions  []model.FunctionDescriptor
	properties map[string]any
}

func NewWrpTransport(client *WrpClient, source, dest, uuid, shortID, deviceType string, authKey uint32, functions []model.FunctionDescriptor, properties map[string]any) *WrpTransport {
	return &WrpTransport{
		Client:     client,
		Source:     source,
		Dest:       dest,
		uuid:       uuid,
		shortID:    shortID,
		deviceType: deviceType,
		authKey:    authKey,
		functions:  functions,
		properties: properties,
	}
}

func (w *WrpTransport) UUID() string                          { return w.uuid }
func (w *WrpTransport) ShortID() string                       { return w.shortID }
func (w *WrpTransport) Type() string                          { return w.deviceType }
func (w *WrpTransport) AuthKey() uint32                       { return w.authKey }
func (w *WrpTransport) Functions() []model.FunctionDescriptor { return w.functions }
func (w *WrpTransport) Properties() map[string]any            { return w.properties }
func (w *WrpTransport) Close()                                {}

func (w *WrpTransport) send(payload map[string]any) (*wrp.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := &wrp.Message{
		Type:        wrp.SimpleRequestResponseMessageType,
		Source:      w.Source,
		Destination: w.Dest,
		ContentType: "application/json",
		Payload:     raw,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	return w.Client.Do(ctx, msg)
}

func (w *WrpTransport) TriggerFunction(name string, params map[string]any, cbID string) *model.DeviceError {
	payload := map[string]any{"cmd": "call", "params": map[string]any{name: params}}
	if cbID != "" {
		payload["cbID"] = cbID
	}
	if _, err := w.send(payload); err != nil {
		return model.NewDeviceError(model.ErrDeviceNotAvailable, fmt.Sprintf("wrp transport: %v", err))
	}
	return nil
}

func (w *WrpTransport) SetDeviceProperty(name string, value any) *model.DeviceError {
	return w.TriggerFunction(setterFuncName(name), map[string]any{"val": value}, "")
}

func (w *WrpTransport) InitDevice(desired map[string]any) *model.DeviceError {
	var functions []map[string]any
	for name, val := range desired {
		functions = append(functions, map[string]any{
			"func": setterFuncName(name),
			"args": map[string]any{"val": val},
		})
	}
	if _, err := w.send(map[string]any{"cmd": "init", "params": functions}); err != nil {
		return model.NewDeviceError(model.ErrDeviceNotAvailable, fmt.Sprintf("wrp transport: %v", err))
	}
	return nil
}
