package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_checkins_total",
		Help: "Check-in attempts by result.",
	}, []string{"result"})

	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_location_verifications_total",
		Help: "Distance verification outcomes for anchored sessions.",
	}, []string{"outcome"})

	codeRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_code_refreshes_total",
		Help: "Session code rotations.",
	})
)
