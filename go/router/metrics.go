package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var inboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_router_inbound_total",
	Help: "Inbound broker messages, by route.",
}, []string{"route"})

var classifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_router_classified_total",
	Help: "Data-route documents, by classified kind.",
}, []string{"kind"})

var mailboxDrops = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_router_mailbox_drops_total",
	Help: "Messages dropped because a device mailbox was full, by route.",
}, []string{"route"})

var workersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "fleet_router_device_workers",
	Help: "Device workers spawned.",
})

var faultsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fleet_router_faults_dropped_total",
	Help: "Callback faults dropped because the fault queue was full.",
})
