package relay

import "github.com/Hubmakerlabs/syncr/pkg/metrics"

const subsystem = "relay"

var (
	connectionsOpened = metrics.NewCounter("opened_total", subsystem,
		"sockets opened", []string{"reconnect"})
	connectionsClosed = metrics.NewCounter("closed_total", subsystem,
		"open sockets that went away", nil)
	connectFailures = metrics.NewCounter("connect_failures_total", subsystem,
		"failed dial attempts", nil)
	publishResults = metrics.NewCounter("publish_total", subsystem,
		"publish outcomes", []string{"result"})
	authResults = metrics.NewCounter("auth_total", subsystem,
		"authentication rounds", []string{"result"})
)
