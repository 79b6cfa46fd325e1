package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_publishes_total",
	Help: "Broker publishes by the ingester, by result.",
}, []string{"result"})

var deviceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_device_errors_total",
	Help: "Persisted device error records, by code and severity.",
}, []string{"code", "severity"})
