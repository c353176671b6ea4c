package hub

import (
	"encoding/json"

	"github.com/quickhub-go/hubd/internal/metrics"
	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/multiplex"
	"github.com/quickhub-go/hubd/internal/resource"
	"github.com/quickhub-go/hubd/internal/subscription"
)

// listDumpThreshold is the item count above which attach sends a lazy
// "synclist:init" (count only) instead of a full dump, so the client can
// page through with synclist:get (spec §4.8 step 2, "For large lists ...
// may send init + item count followed by paged get").
const listDumpThreshold = 500

// attach implements `<type>:attach` for every resource kind that shares the
// generic registry/subscription-handler plumbing (spec §6). descriptorOf
// extracts {descriptor} from the request; buildDump builds the kind-specific
// snapshot sent right after a successful attach.
func (h *Hub) attach(ch *multiplex.Channel, msg *model.Message, rtype model.ResourceType, buildDump func(resource.Resource) *model.Message) {
	var body struct {
		Descriptor string `json:"descriptor"`
	}
	if err := json.Unmarshal(msg.Params(), &body); err != nil || body.Descriptor == "" {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidParameters, "missing descriptor"))
		return
	}

	hd, identity, created, herr := h.getOrCreateHandler(rtype, body.Descriptor, msg.Token)
	if herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}

	dump := buildDump(hd.Resource())
	if err := hd.Attach(ch, msg.Token, identity, dump); err != nil {
		if created {
			hd.TeardownIfEmpty()
		}
		subscription.ReplyFailed(ch, msg.Command, err)
		return
	}

	h.setChannelResource(ch.ID, rtype, hd.Resource().QualifiedName(), hd)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

// detach implements `<type>:detach`: it only acts if the channel's current
// attachment matches rtype, so a stray detach on the wrong namespace fails
// cleanly instead of tearing down an unrelated subscription.
func (h *Hub) detach(ch *multiplex.Channel, msg *model.Message, rtype model.ResourceType) {
	cr := h.getChannelResource(ch.ID)
	if cr == nil || cr.rtype != rtype {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrUnknownItem, "not attached"))
		return
	}
	cr.handler.Detach(ch.ID)
	h.clearChannelResource(ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

// requireAttached resolves the channel's current resource, failing the
// command if it is absent or of the wrong kind.
func (h *Hub) requireAttached(ch *multiplex.Channel, msg *model.Message, rtype model.ResourceType) *channelResource {
	cr := h.getChannelResource(ch.ID)
	if cr == nil || cr.rtype != rtype {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrUnknownItem, "not attached"))
		return nil
	}
	return cr
}

func (h *Hub) modifierOutcome(rtype model.ResourceType, herr *model.HubError) {
	outcome := "ok"
	if herr != nil {
		outcome = "error"
	}
	metrics.ResourceModifierTotal.WithLabelValues(string(rtype), outcome).Inc()
}

// --- synclist -------------------------------------------------------------

func buildListDump(r resource.Resource) *model.Message {
	l := r.(*resource.List)
	if l.Count() > listDumpThreshold {
		raw, _ := json.Marshal(map[string]any{"count": l.Count()})
		return &model.Message{Command: "synclist:init", Parameters: raw}
	}
	d := l.Dump()
	raw, _ := json.Marshal(map[string]any{"data": d.Items, "metadata": d.Metadata})
	return &model.Message{Command: "synclist:dump", Parameters: raw}
}

func (h *Hub) handleListCommand(ch *multiplex.Channel, msg *model.Message) {
	switch msg.Verb() {
	case "attach":
		h.attach(ch, msg, model.ResourceList, buildListDump)
		return
	case "detach":
		h.detach(ch, msg, model.ResourceList)
		return
	}

	cr := h.requireAttached(ch, msg, model.ResourceList)
	if cr == nil {
		return
	}
	l := cr.handler.Resource().(*resource.List)
	identity := h.sessions.ValidateToken(msg.Token)
	if identity == nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidToken, ""))
		return
	}

	switch msg.Verb() {
	case "dump":
		_ = ch.Send(buildListDump(l))
	case "get":
		var body struct {
			From  int `json:"from"`
			Count int `json:"count"`
		}
		_ = json.Unmarshal(msg.Params(), &body)
		items := l.GetRange(body.From, body.Count)
		subscription.ReplySuccess(ch, msg.Command, map[string]any{"data": items})
	case "append":
		h.listAppend(ch, msg, l, cr, identity)
	case "insertat":
		h.listInsertAt(ch, msg, l, cr, identity)
	case "appendlist":
		h.listAppendList(ch, msg, l, cr, identity)
	case "remove":
		h.listRemove(ch, msg, l, cr, identity)
	case "clear":
		h.listClear(ch, msg, l, cr, identity)
	case "delete":
		h.listDelete(ch, msg, l, cr, identity)
	case "set":
		h.listSet(ch, msg, l, cr, identity)
	case "property:set":
		h.listSetProperty(ch, msg, l, cr, identity)
	case "metadata:set":
		h.listSetMetadata(ch, msg, l, cr, identity)
	case "filter":
		h.listSetFilter(ch, msg, l, cr, identity)
	default:
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrNotSupported, msg.Command))
	}
}

func (h *Hub) checkListWrite(ch *multiplex.Channel, msg *model.Message, l *resource.List, identity model.Identity) bool {
	if !canWrite(l, identity) {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrPermissionDenied, ""))
		return false
	}
	return true
}

func (h *Hub) listAppend(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	var body struct {
		Data any `json:"data"`
	}
	_ = json.Unmarshal(msg.Params(), &body)
	item, herr := l.Append(body.Data, identity.IdentityID())
	h.modifierOutcome(model.ResourceList, herr)
	if herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	cr.handler.Broadcast(msg.Command, map[string]any{"data": item}, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listInsertAt(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	var body struct {
		Index int `json:"index"`
		Data  any `json:"data"`
	}
	_ = json.Unmarshal(msg.Params(), &body)
	item, herr := l.InsertAt(body.Data, body.Index, identity.IdentityID())
	h.modifierOutcome(model.ResourceList, herr)
	if herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	cr.handler.Broadcast(msg.Command, map[string]any{"index": body.Index, "data": item}, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listAppendList(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	var body struct {
		Data []any `json:"data"`
	}
	_ = json.Unmarshal(msg.Params(), &body)
	items, herr := l.AppendList(body.Data, identity.IdentityID())
	h.modifierOutcome(model.ResourceList, herr)
	if herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	cr.handler.Broadcast(msg.Command, map[string]any{"data": items}, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listRemove(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	var body struct {
		Index int    `json:"index"`
		UUID  string `json:"uuid"`
	}
	_ = json.Unmarshal(msg.Params(), &body)
	item, herr := l.Remove(body.Index, body.UUID)
	h.modifierOutcome(model.ResourceList, herr)
	if herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	cr.handler.Broadcast(msg.Command, map[string]any{"data": item}, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listClear(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	herr := l.Clear()
	h.modifierOutcome(model.ResourceList, herr)
	cr.handler.Broadcast(msg.Command, nil, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listDelete(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	herr := l.Delete()
	h.modifierOutcome(model.ResourceList, herr)
	cr.handler.Broadcast(msg.Command, nil, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listSet(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	var body struct {
		Index int    `json:"index"`
		UUID  string `json:"uuid"`
		Data  any    `json:"data"`
	}
	_ = json.Unmarshal(msg.Params(), &body)
	item, herr := l.Set(body.Data, body.Index, body.UUID, identity.IdentityID())
	h.modifierOutcome(model.ResourceList, herr)
	if herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	cr.handler.Broadcast(msg.Command, map[string]any{"data": item}, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listSetProperty(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	var body struct {
		Index    int    `json:"index"`
		UUID     string `json:"uuid"`
		Property string `json:"property"`
		Data     any    `json:"data"`
	}
	_ = json.Unmarshal(msg.Params(), &body)
	item, herr := l.SetProperty(body.Property, body.Data, body.Index, body.UUID, identity.IdentityID())
	h.modifierOutcome(model.ResourceList, herr)
	if herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	cr.handler.Broadcast(msg.Command, map[string]any{"data": item}, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listSetMetadata(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	if !h.checkListWrite(ch, msg, l, identity) {
		return
	}
	var body struct {
		Metadata model.Metadata `json:"metadata"`
	}
	_ = json.Unmarshal(msg.Params(), &body)
	herr := l.SetMetadata(body.Metadata)
	h.modifierOutcome(model.ResourceList, herr)
	cr.handler.Broadcast(msg.Command, map[string]any{"metadata": body.Metadata}, ch.ID)
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) listSetFilter(ch *multiplex.Channel, msg *model.Message, l *resource.List, cr *channelResource, identity model.Identity) {
	var body any
	_ = json.Unmarshal(msg.Params(), &body)
	herr := l.SetFilter(body)
	h.modifierOutcome(model.ResourceList, herr)
	if herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	subscription.ReplySuccess(ch, msg.Command, nil)
}

// --- object / settings ------------------------------------------------------

func buildObjectDump(rtype model.ResourceType) func(resource.Resource) *model.Message {
	return func(r resource.Resource) *model.Message {
		o := r.(interface{ GetObjectData() model.ObjectData })
		d := o.GetObjectData()
		raw, _ := json.Marshal(map[string]any{"data": d.Properties, "metadata": d.Metadata})
		return &model.Message{Command: string(rtype) + ":dump", Parameters: raw}
	}
}

func (h *Hub) handleObjectCommand(ch *multiplex.Channel, msg *model.Message, rtype model.ResourceType) {
	switch msg.Verb() {
	case "attach":
		h.attach(ch, msg, rtype, buildObjectDump(rtype))
		return
	case "detach":
		h.detach(ch, msg, rtype)
		return
	}

	cr := h.requireAttached(ch, msg, rtype)
	if cr == nil {
		return
	}
	identity := h.sessions.ValidateToken(msg.Token)
	if identity == nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidToken, ""))
		return
	}
	res := cr.handler.Resource()

	switch msg.Verb() {
	case "dump":
		_ = ch.Send(buildObjectDump(rtype)(res))
	case "setproperty":
		if !canWrite(res, identity) {
			subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrPermissionDenied, ""))
			return
		}
		var body struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		}
		_ = json.Unmarshal(msg.Params(), &body)
		setter := res.(interface {
			SetProperty(string, any, string) (model.ObjectProperty, *model.HubError)
		})
		prop, herr := setter.SetProperty(body.Name, body.Value, identity.IdentityID())
		h.modifierOutcome(rtype, herr)
		if herr != nil {
			subscription.ReplyFailed(ch, msg.Command, herr)
			return
		}
		cr.handler.Broadcast(msg.Command, map[string]any{"name": body.Name, "data": prop}, ch.ID)
		subscription.ReplySuccess(ch, msg.Command, nil)
	case "metadata:set":
		if !canWrite(res, identity) {
			subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrPermissionDenied, ""))
			return
		}
		var body struct {
			Metadata model.Metadata `json:"metadata"`
		}
		_ = json.Unmarshal(msg.Params(), &body)
		setter := res.(interface{ SetMetadata(model.Metadata) *model.HubError })
		herr := setter.SetMetadata(body.Metadata)
		h.modifierOutcome(rtype, herr)
		cr.handler.Broadcast(msg.Command, map[string]any{"metadata": body.Metadata}, ch.ID)
		subscription.ReplySuccess(ch, msg.Command, nil)
	default:
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrNotSupported, msg.Command))
	}
}

// --- image collection --------------------------------------------------------

func buildImageDump(r resource.Resource) *model.Message {
	ic := r.(*resource.ImageCollection)
	raw, _ := json.Marshal(map[string]any{"data": ic.GetAllMetadata()})
	return &model.Message{Command: "imgcoll:dump", Parameters: raw}
}

func (h *Hub) handleImageCommand(ch *multiplex.Channel, msg *model.Message) {
	switch msg.Verb() {
	case "attach":
		h.attach(ch, msg, model.ResourceImage, buildImageDump)
		return
	case "detach":
		h.detach(ch, msg, model.ResourceImage)
		return
	}

	cr := h.requireAttached(ch, msg, model.ResourceImage)
	if cr == nil {
		return
	}
	identity := h.sessions.ValidateToken(msg.Token)
	if identity == nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidToken, ""))
		return
	}
	ic := cr.handler.Resource().(*resource.ImageCollection)

	switch msg.Verb() {
	case "getallmetadata":
		subscription.ReplySuccess(ch, msg.Command, map[string]any{"data": ic.GetAllMetadata()})
	case "getimage":
		var body struct {
			UID string `json:"uid"`
		}
		_ = json.Unmarshal(msg.Params(), &body)
		rec, herr := ic.GetImage(body.UID)
		if herr != nil {
			subscription.ReplyFailed(ch, msg.Command, herr)
			return
		}
		subscription.ReplySuccess(ch, msg.Command, map[string]any{"uid": body.UID, "metadata": rec.Metadata, "blob": rec.Blob})
	case "getmetadata":
		var body struct {
			UID string `json:"uid"`
		}
		_ = json.Unmarshal(msg.Params(), &body)
		meta, herr := ic.GetMetaData(body.UID)
		if herr != nil {
			subscription.ReplyFailed(ch, msg.Command, herr)
			return
		}
		subscription.ReplySuccess(ch, msg.Command, map[string]any{"uid": body.UID, "metadata": meta})
	case "insert":
		if !canWrite(ic, identity) {
			subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrPermissionDenied, ""))
			return
		}
		var body struct {
			UID      string         `json:"uid"`
			Blob     []byte         `json:"blob"`
			Metadata model.Metadata `json:"metadata"`
		}
		_ = json.Unmarshal(msg.Params(), &body)
		meta, herr := ic.Insert(body.Blob, body.Metadata, body.UID)
		h.modifierOutcome(model.ResourceImage, herr)
		if herr != nil {
			subscription.ReplyFailed(ch, msg.Command, herr)
			return
		}
		cr.handler.Broadcast(msg.Command, map[string]any{"data": meta}, ch.ID)
		subscription.ReplySuccess(ch, msg.Command, nil)
	case "deleteimage":
		if !canWrite(ic, identity) {
			subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrPermissionDenied, ""))
			return
		}
		var body struct {
			UID string `json:"uid"`
		}
		_ = json.Unmarshal(msg.Params(), &body)
		herr := ic.DeleteImage(body.UID)
		h.modifierOutcome(model.ResourceImage, herr)
		if herr != nil {
			subscription.ReplyFailed(ch, msg.Command, herr)
			return
		}
		cr.handler.Broadcast(msg.Command, map[string]any{"uid": body.UID}, ch.ID)
		subscription.ReplySuccess(ch, msg.Command, nil)
	default:
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrNotSupported, msg.Command))
	}
}
