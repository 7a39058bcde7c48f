package normalize

import (
	"net/url"
	"strings"
)

// URL normalizes a relay address: the scheme defaults to wss and http/s is
// mapped to ws/s, the host is lower cased, default ports and trailing
// slashes are removed. Unparseable input yields an empty string.
func URL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	lower := strings.ToLower(u)
	if !(strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "ws://") ||
		strings.HasPrefix(lower, "wss://")) {
		u = "wss://" + u
	}
	p, err := url.Parse(u)
	if err != nil || p.Host == "" {
		return ""
	}
	p.Scheme = strings.ToLower(p.Scheme)
	switch p.Scheme {
	case "https":
		p.Scheme = "wss"
	case "http":
		p.Scheme = "ws"
	}
	host := strings.ToLower(p.Host)
	switch {
	case p.Scheme == "wss" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case p.Scheme == "ws" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}
	p.Host = host
	p.Path = strings.TrimRight(p.Path, "/")
	p.RawPath = ""
	p.Fragment = ""
	return p.String()
}

// URLs normalizes a list, dropping invalid entries and duplicates while
// keeping first-seen order.
func URLs(in []string) (out []string) {
	seen := make(map[string]struct{}, len(in))
	for _, u := range in {
		n := URL(u)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return
}
