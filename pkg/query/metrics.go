package query

import "github.com/Hubmakerlabs/syncr/pkg/metrics"

const subsystem = "query"

var (
	queriesActive = metrics.NewGauge("active", subsystem, "live queries", nil)
	tracesStarted = metrics.NewCounter("traces_total", subsystem,
		"subscriptions opened by queries", []string{"strategy"})
	tracesFinished = metrics.NewCounter("traces_finished_total", subsystem,
		"subscriptions finished, by final state", []string{"state"})
	emissions = metrics.NewCounter("emissions_total", subsystem,
		"filter emissions", []string{"diff"})
)
