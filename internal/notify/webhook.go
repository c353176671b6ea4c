package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/xmidt-org/ancla"
	"github.com/xmidt-org/ancla/auth"
	"github.com/xmidt-org/ancla/chrysom"
	"github.com/xmidt-org/ancla/schema"
	webhookschema "github.com/xmidt-org/webhook-schema"

	"github.com/quickhub-go/hubd/internal/metrics"
)

// Config configures a WebhookSink: where deltas get delivered, and (if
// ArgusURL is set) where the sink's own callback gets registered with the
// upstream XMiDT fanout infrastructure so external collaborators can
// discover it. Adapted from the teacher's webhook.Config.
type Config struct {
	Enable   bool
	ArgusURL string
	Bucket   string
	AuthBasic string

	CallbackURL    string
	Events         []string
	DeviceMatchers []string
	Duration       time.Duration
	Retries        int
}

// WebhookSink implements spec §4.11's outbound notification half: it
// subscribes to the event Bus that hub.Hub publishes device property and
// state deltas onto and mirrors matching ones to
// Config.CallbackURL over HTTP, for collaborators that are not WebSocket
// clients (dashboards, automation engines). Registration with the upstream
// fanout system is adapted from the teacher's registrar_ancla.go; delivery
// itself is direct HTTP POST since this hub has no separate Caduceus-style
// fanout tier of its own.
type WebhookSink struct {
	cfg    Config
	bus    *Bus
	logger log.Logger
	client *http.Client

	eventRe  []*regexp.Regexp
	deviceRe []*regexp.Regexp

	cancel func()
}

func NewWebhookSink(cfg Config, bus *Bus, logger log.Logger) *WebhookSink {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	events := cfg.Events
	if len(events) == 0 {
		events = []string{".*"}
	}
	devices := cfg.DeviceMatchers
	if len(devices) == 0 {
		devices = []string{".*"}
	}
	s := &WebhookSink{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, p := range events {
		if re, err := regexp.Compile(p); err == nil {
			s.eventRe = append(s.eventRe, re)
		}
	}
	for _, p := range devices {
		if re, err := regexp.Compile(p); err == nil {
			s.deviceRe = append(s.deviceRe, re)
		}
	}
	return s
}

// Start registers the sink's callback with the upstream fanout system (if
// configured) and begins mirroring bus events until ctx is done or Stop is
// called.
func (s *WebhookSink) Start(ctx context.Context) {
	if !s.cfg.Enable {
		level.Debug(s.logger).Log("msg", "webhook sink disabled")
		return
	}
	if s.cfg.ArgusURL != "" {
		go s.registerAncla(ctx)
	}

	_, ch, cancel := s.bus.Subscribe(64)
	s.cancel = cancel
	go func() {
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				s.deliver(e)
			}
		}
	}()
}

func (s *WebhookSink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *WebhookSink) matches(e Event) bool {
	changeOK := len(s.eventRe) == 0
	for _, re := range s.eventRe {
		if re.MatchString(e.Change) {
			changeOK = true
			break
		}
	}
	nameOK := len(s.deviceRe) == 0
	for _, re := range s.deviceRe {
		if re.MatchString(e.QualifiedName) {
			nameOK = true
			break
		}
	}
	return changeOK && nameOK
}

type deliveryPayload struct {
	ResourceType  string `json:"resourceType"`
	QualifiedName string `json:"qualifiedName"`
	Change        string `json:"change"`
	Payload       any    `json:"payload"`
	SentAt        string `json:"sentAt"`
}

// deliver POSTs a single matching event to the configured callback in one
// attempt; a failed POST is not retried.
func (s *WebhookSink) deliver(e Event) {
	if s.cfg.CallbackURL == "" || !s.matches(e) {
		return
	}

	body, err := json.Marshal(deliveryPayload{
		ResourceType:  e.ResourceType,
		QualifiedName: e.QualifiedName,
		Change:        e.Change,
		Payload:       e.Payload,
		SentAt:        time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to marshal webhook delivery", "err", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to build webhook request", "err", err)
		metrics.WebhookDeliveryTotal.WithLabelValues("error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.AuthBasic != "" {
		req.Header.Set("Authorization", s.cfg.AuthBasic)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		level.Warn(s.logger).Log("msg", "webhook delivery failed", "err", err, "qname", e.QualifiedName)
		metrics.WebhookDeliveryTotal.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveryTotal.WithLabelValues("ok").Inc()
		return
	}
	level.Warn(s.logger).Log("msg", "webhook delivery rejected", "status", resp.StatusCode, "qname", e.QualifiedName)
	metrics.WebhookDeliveryTotal.WithLabelValues("rejected").Inc()
}

// registerAncla registers the sink's callback with the upstream Argus-
// backed fanout system via chrysom/ancla, adapted from the teacher's
// registrar_ancla.go RegisterAncla method, including its retry backoff.
func (s *WebhookSink) registerAncla(ctx context.Context) {
	bucket := s.cfg.Bucket
	if bucket == "" {
		bucket = "hooks"
	}
	duration := s.cfg.Duration
	if duration <= 0 {
		duration = time.Duration(0xffff) * time.Hour
	}
	retries := s.cfg.Retries
	if retries <= 0 {
		retries = 3
	}

	var attempt func(int)
	attempt = func(remaining int) {
		level.Info(s.logger).Log("msg", "registering webhook callback", "callback", s.cfg.CallbackURL, "remaining", remaining)

		clientOpts := []chrysom.ClientOption{
			chrysom.StoreBaseURL(s.cfg.ArgusURL),
			chrysom.Bucket(bucket),
		}
		if s.cfg.AuthBasic != "" {
			clientOpts = append(clientOpts, chrysom.Auth(basicAuthDecorator(s.cfg.AuthBasic)))
		}

		client, err := chrysom.NewBasicClient(clientOpts...)
		if err != nil {
			level.Warn(s.logger).Log("msg", "chrysom client init failed", "err", err)
			s.retryLater(remaining, attempt)
			return
		}

		svc := ancla.NewService(client)
		until := time.Now().Add(duration)

		var matchers []webhookschema.FieldRegex
		for _, pattern := range s.cfg.DeviceMatchers {
			matchers = append(matchers, webhookschema.FieldRegex{Regex: pattern, Field: "device_id"})
		}

		registration := webhookschema.RegistrationV2{
			CanonicalName: "hubd-webhook",
			Address:       "hubd",
			Webhooks: []webhookschema.Webhook{
				{ReceiverURLs: []string{s.cfg.CallbackURL}, Accept: "application/json"},
			},
			Matcher: matchers,
			Expires: until,
		}
		manifest := &schema.ManifestV2{Registration: registration}

		if err := svc.Add(ctx, "", manifest); err != nil {
			level.Warn(s.logger).Log("msg", "ancla registration failed", "err", err)
			s.retryLater(remaining, attempt)
			return
		}
		level.Info(s.logger).Log("msg", "webhook callback registered", "until", until.Format(time.RFC3339))
	}
	attempt(retries)
}

func (s *WebhookSink) retryLater(remaining int, f func(int)) {
	if remaining <= 0 {
		level.Warn(s.logger).Log("msg", "webhook registration retries exhausted")
		return
	}
	time.AfterFunc(5*time.Second, func() { f(remaining - 1) })
}

func basicAuthDecorator(authHeader string) auth.Decorator {
	return auth.DecoratorFunc(func(ctx context.Context, req *http.Request) error {
		h := authHeader
		if !strings.HasPrefix(h, "Basic ") {
			h = "Basic " + h
		}
		req.Header.Set("Authorization", h)
		return nil
	})
}
