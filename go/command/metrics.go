package command

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_command_handshakes_total",
	Help: "Status check-ins answered, by reply (capture, sleep, default_sleep).",
}, []string{"reply"})

var acksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_command_acks_total",
	Help: "Device command acknowledgements, by result.",
}, []string{"result"})

var commandsSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fleet_commands_sent_total",
	Help: "Operator commands drained from the queue and published.",
})
