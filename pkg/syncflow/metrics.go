package syncflow

import "github.com/Hubmakerlabs/syncr/pkg/metrics"

const subsystem = "sync"

var (
	negentropyRounds = metrics.NewCounter("negentropy_rounds_total", subsystem,
		"negentropy messages reconciled", nil)
	negentropyResults = metrics.NewCounter("negentropy_total", subsystem,
		"negentropy exchanges by outcome", []string{"result"})
	fallbackSyncs = metrics.NewCounter("fallback_total", subsystem,
		"syncs served without negentropy", []string{"method"})
)
