// Package rpcsvc implements spec §4.10: the service dispatcher. Named
// services register their calls; the socket adapter routes
// "call:<service>/<callName>" to the right one and correlates its
// eventually-async response back to the originating channel via cbID,
// grounded on the teacher's internal/rpc dispatcher family (Request/
// Response/cbID-style correlation) adapted from HTTP+WRP framing to the
// hub's own channel-addressed model.Message envelope.
package rpcsvc

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/multiplex"
)

// ResponseFunc is how a Service reports its result; result is marshaled
// into the `data` field of the reply sent to the originating channel.
type ResponseFunc func(cbID string, result any)

// Service is one named RPC endpoint group (spec §4.10: "{name, calls[],
// call(call, token, cbID, arg)}").
type Service interface {
	Name() string
	Calls() []string
	Call(call, token, cbID string, arg json.RawMessage, respond ResponseFunc)
}

// Dispatcher routes call:<service>/<callName> commands and keeps the
// cbID->channel table needed to deliver asynchronous responses.
type Dispatcher struct {
	logger log.Logger

	svcMu    sync.RWMutex
	services map[string]Service

	pendingMu sync.Mutex
	pending   map[string]*multiplex.Channel // cbID -> originating channel
}

func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dispatcher{
		logger:   logger,
		services: make(map[string]Service),
		pending:  make(map[string]*multiplex.Channel),
	}
}

// Register adds svc under its own Name(). Re-registering the same name
// replaces the prior service.
func (d *Dispatcher) Register(svc Service) {
	d.svcMu.Lock()
	defer d.svcMu.Unlock()
	d.services[svc.Name()] = svc
}

// Lookup returns the service registered under name, if any; exposed for
// the admin surface to list available calls.
func (d *Dispatcher) Lookup(name string) (Service, bool) {
	d.svcMu.RLock()
	defer d.svcMu.RUnlock()
	s, ok := d.services[name]
	return s, ok
}

// HandleCall dispatches a "call:<service>/<callName>" message from ch. If
// the message omitted a cbID one is generated so the response can always
// be correlated back.
func (d *Dispatcher) HandleCall(ch *multiplex.Channel, msg *model.Message, token string) {
	serviceAndCall := strings.TrimPrefix(msg.Command, "call:")
	parts := strings.SplitN(serviceAndCall, "/", 2)
	if len(parts) != 2 {
		subscriptionFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidParameters, "expected call:<service>/<call>"))
		return
	}
	serviceName, callName := parts[0], parts[1]

	d.svcMu.RLock()
	svc, ok := d.services[serviceName]
	d.svcMu.RUnlock()
	if !ok {
		subscriptionFailed(ch, msg.Command, model.NewHubError(model.ErrUnknownType, "unknown service: "+serviceName))
		return
	}

	var body struct {
		CbID string          `json:"cbID"`
		Arg  json.RawMessage `json:"arg"`
	}
	_ = json.Unmarshal(msg.Params(), &body)

	cbID := body.CbID
	if cbID == "" {
		cbID = uuid.NewString()
	}

	d.pendingMu.Lock()
	d.pending[cbID] = ch
	d.pendingMu.Unlock()

	svc.Call(callName, token, cbID, body.Arg, d.complete)
}

// complete implements the service-side half of spec §4.10: "the service
// emits response(cbID, result); the adapter sends {uid: cbID, data:
// result} to that channel and removes the entry."
func (d *Dispatcher) complete(cbID string, result any) {
	d.pendingMu.Lock()
	ch, ok := d.pending[cbID]
	if ok {
		delete(d.pending, cbID)
	}
	d.pendingMu.Unlock()

	if !ok {
		level.Debug(d.logger).Log("msg", "response for unknown or already-purged cbID", "cbID", cbID)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		level.Warn(d.logger).Log("msg", "failed to marshal rpc result", "cbID", cbID, "err", err)
		return
	}
	out := struct {
		UID  string          `json:"uid"`
		Data json.RawMessage `json:"data"`
	}{UID: cbID, Data: raw}
	params, _ := json.Marshal(out)
	_ = ch.Send(&model.Message{Command: "call:response", Parameters: params})
}

// PurgeChannel drops any cbID routed to channelID (spec §4.10 "channel
// disconnects purge any pending cbID routed to that channel").
func (d *Dispatcher) PurgeChannel(channelID string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for cbID, ch := range d.pending {
		if ch.ID == channelID {
			delete(d.pending, cbID)
		}
	}
}

func subscriptionFailed(ch *multiplex.Channel, orig string, err *model.HubError) {
	_ = ch.Send(model.Failed(orig, err))
}
