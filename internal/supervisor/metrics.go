package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boothd_restarts_total",
		Help: "Number of application relaunches performed by the supervisor.",
	})

	displayStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boothd_display_server_starts_total",
		Help: "Number of display server processes spawned.",
	})

	childRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boothd_child_running",
		Help: "Whether the application child is currently running (0 or 1).",
	})

	lastExitCode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boothd_child_last_exit_code",
		Help: "Exit code of the most recent application exit.",
	})
)
