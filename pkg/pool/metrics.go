package pool

import "github.com/Hubmakerlabs/syncr/pkg/metrics"

var (
	poolSize         = metrics.NewGauge("relays", "pool", "pooled connections", nil)
	broadcastResults = metrics.NewCounter("broadcast_total", "pool",
		"per relay broadcast outcomes", []string{"result"})
)
