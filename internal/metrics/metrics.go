// Package metrics exposes the prometheus instrumentation named in
// SPEC_FULL.md §4.12, grounded on m0rjc-OsmDeviceAdapter's
// internal/metrics (promauto var-block style).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hubd_connections_active",
		Help: "Currently open physical WebSocket connections.",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubd_connections_total",
		Help: "Total physical WebSocket connections accepted.",
	})

	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hubd_channels_active",
		Help: "Currently registered virtual channels across all connections.",
	})

	ResourceInstancesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hubd_resource_instances_active",
		Help: "Live cached (shared) resource instances held by the registry.",
	})

	ResourceModifierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubd_resource_modifier_total",
		Help: "Resource modifier calls by resource type and outcome.",
	}, []string{"type", "outcome"})

	DeviceTwinsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hubd_device_twins_by_state",
		Help: "Device twins currently in each DeviceState.",
	}, []string{"state"})

	DeviceRPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hubd_device_rpc_duration_seconds",
		Help:    "Time taken to forward a triggerFunction call to the device, by function and send outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"function", "outcome"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hubd_sessions_active",
		Help: "Currently live (non-expired) session tokens.",
	})

	LoginTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubd_login_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	WebhookDeliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubd_webhook_delivery_total",
		Help: "Outbound webhook notification deliveries by outcome.",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hubd_http_request_duration_seconds",
		Help:    "Admin HTTP surface request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
