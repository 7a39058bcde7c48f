package metrics

import (
	"errors"
	"net/http"
	"os"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log, chk = slog.New(os.Stderr)

// Serve exposes the default registry on addr at /metrics until c is done.
func Serve(c context.T, addr string) (err error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-c.Done()
		chk.D(srv.Close())
	}()
	log.I.F("serving metrics on http://%s/metrics", addr)
	if err = srv.ListenAndServe(); errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return
}
