package relayinfo

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/hashicorp/go-retryablehttp"
)

var log, chk = slog.New(os.Stderr)

// FetchTimeout bounds a fetch whose context carries no deadline.
const FetchTimeout = 7 * time.Second

// leveled adapts the package logger to retryablehttp.
type leveled struct{}

func (leveled) Error(msg string, kv ...interface{}) { log.D.Ln(append([]any{msg}, kv...)...) }
func (leveled) Info(msg string, kv ...interface{})  { log.T.Ln(append([]any{msg}, kv...)...) }
func (leveled) Debug(msg string, kv ...interface{}) { log.T.Ln(append([]any{msg}, kv...)...) }
func (leveled) Warn(msg string, kv ...interface{})  { log.D.Ln(append([]any{msg}, kv...)...) }

// Fetcher retrieves relay information documents.
type Fetcher struct {
	client *retryablehttp.Client
}

// NewFetcher returns a Fetcher that retries transient failures up to
// retries times.
func NewFetcher(retries int) *Fetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = leveled{}
	return &Fetcher{client: c}
}

// HTTPURL converts a relay websocket address to the http address its
// information document is served from.
func HTTPURL(u string) (string, error) {
	if !strings.HasPrefix(u, "http") && !strings.HasPrefix(u, "ws") {
		u = "wss://" + u
	}
	p, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	switch p.Scheme {
	case "ws":
		p.Scheme = "http"
	case "wss":
		p.Scheme = "https"
	}
	p.Path = strings.TrimRight(p.Path, "/")
	return p.String(), nil
}

// Fetch retrieves and decodes the document for the relay at u.
func (f *Fetcher) Fetch(c context.T, u string) (info *T, err error) {
	c, cancel := context.Bounded(c, FetchTimeout)
	defer cancel()
	var addr string
	if addr, err = HTTPURL(u); chk.D(err) {
		return
	}
	var req *retryablehttp.Request
	if req, err = retryablehttp.NewRequestWithContext(c, http.MethodGet, addr, nil); chk.D(err) {
		return
	}
	req.Header.Set("Accept", "application/nostr+json")
	var resp *http.Response
	if resp, err = f.client.Do(req); chk.D(err) {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err = log.D.Err("relay information for %s: status %s", u, resp.Status)
		return
	}
	var b []byte
	if b, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20)); chk.D(err) {
		return
	}
	return Parse(b)
}
