// Package config holds the engine tunables, settable from flags and from a
// JSON file in the profile directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/negentropy"
	"github.com/Hubmakerlabs/syncr/pkg/outbox"
	"github.com/Hubmakerlabs/syncr/pkg/query"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/Hubmakerlabs/syncr/pkg/syncflow"
)

var log, chk = slog.New(os.Stderr)

const (
	DefaultProfile = "syncr"
	FileName       = "config.json"
)

// Duration is a time.Duration written as text, "5s" rather than 5000000000.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) (err error) {
	var v time.Duration
	if v, err = time.ParseDuration(string(b)); err != nil {
		return
	}
	*d = Duration(v)
	return
}

type Config struct {
	Profile  string   `arg:"-p,--profile" json:"-" help:"profile directory under the home directory"`
	LogLevel string   `arg:"--loglevel" json:"log_level" help:"set log level [off,fatal,error,warn,info,debug,trace] (can also use GODEBUG environment variable)"`
	Relays   []string `arg:"-r,--relay,separate" json:"relays" help:"default relays (can use flag repeatedly)"`
	SecKey   string   `arg:"-s,--seckey" json:"seckey,omitempty" help:"secret key in hex or nsec form, for signing and relay authentication"`
	Metrics  string   `arg:"--metrics" json:"metrics,omitempty" help:"address to serve prometheus metrics on"`

	BackoffBase    Duration `arg:"--backoff" json:"backoff_base" help:"first reconnect delay, doubled per failure"`
	BackoffMax     Duration `arg:"--backoffmax" json:"backoff_max" help:"longest reconnect delay"`
	ConnectTimeout Duration `arg:"--connecttimeout" json:"connect_timeout" help:"how long a dial may take"`
	PingInterval   Duration `arg:"--ping" json:"ping_interval" help:"keepalive ping interval"`
	PublishTimeout Duration `arg:"--publishtimeout" json:"publish_timeout" help:"how long to wait for an OK after publishing"`
	AuthTimeout    Duration `arg:"--authtimeout" json:"auth_timeout" help:"how long to wait for an authentication OK"`
	IdleTimeout    Duration `arg:"--idle" json:"idle_timeout" help:"inactivity after which an ephemeral connection closes"`
	IdleCheck      Duration `arg:"--idlecheck" json:"idle_check" help:"how often ephemeral connections check for inactivity"`

	TraceTimeout    Duration `arg:"--tracetimeout" json:"trace_timeout" help:"how long a subscription may go without EOSE"`
	GroupingDelay   Duration `arg:"--grouping" json:"grouping_delay" help:"delay batching filters added together into one request"`
	CancelGrace     Duration `arg:"--grace" json:"cancel_grace" help:"how long a cancelled query lingers for re-subscription"`
	SweepInterval   Duration `arg:"--sweep" json:"sweep_interval" help:"how often subscription timeouts are checked"`
	CleanupInterval Duration `arg:"--cleanup" json:"cleanup_interval" help:"how often cancelled queries are removed"`
	CacheSize       int      `arg:"--cachesize" json:"cache_size" help:"number of query snapshots kept after removal"`
	CacheTTL        Duration `arg:"--cachettl" json:"cache_ttl" help:"how long query snapshots are kept"`

	PickN        int      `arg:"--pickn" json:"pick_n" help:"outbox relays picked per author"`
	RelayListTTL Duration `arg:"--relaylistttl" json:"relay_list_ttl" help:"age after which relay lists are refreshed"`

	SyncMethod        string   `arg:"--syncmethod" json:"sync_method" help:"fallback when negentropy is unavailable [since,range-sync]"`
	SyncWindow        Duration `arg:"--syncwindow" json:"sync_window" help:"range sync window, at least one minute"`
	FrameLimit        int      `arg:"--framelimit" json:"frame_limit" help:"negentropy frame size limit in bytes, 0 for none"`
	DisableNegentropy bool     `arg:"--nonegentropy" json:"disable_negentropy" help:"always use the fallback sync"`
}

func Default() *Config {
	t := relay.DefaultTimeouts()
	return &Config{
		Profile:         DefaultProfile,
		LogLevel:        "info",
		BackoffBase:     Duration(relay.DefaultBackoffBase),
		BackoffMax:      Duration(relay.DefaultBackoffMax),
		ConnectTimeout:  Duration(t.Connect),
		PingInterval:    Duration(t.Ping),
		PublishTimeout:  Duration(t.Publish),
		AuthTimeout:     Duration(t.Auth),
		IdleTimeout:     Duration(t.Idle),
		IdleCheck:       Duration(t.IdleCheck),
		TraceTimeout:    Duration(query.DefaultTimeout),
		GroupingDelay:   Duration(query.DefaultGroupingDelay),
		CancelGrace:     Duration(query.DefaultCancelGrace),
		SweepInterval:   Duration(query.DefaultSweep),
		CleanupInterval: Duration(query.DefaultCleanup),
		CacheSize:       query.DefaultCacheSize,
		CacheTTL:        Duration(query.DefaultCacheTTL),
		PickN:           outbox.DefaultPickN,
		RelayListTTL:    Duration(outbox.DefaultTTL),
		SyncMethod:      string(syncflow.Since),
		SyncWindow:      Duration(syncflow.DefaultWindow),
		FrameLimit:      syncflow.DefaultFrameLimit,
	}
}

// Path is where the configuration of a profile lives.
func Path(profile string) (path string, err error) {
	var home string
	if home, err = os.UserHomeDir(); chk.E(err) {
		return
	}
	return filepath.Join(home, profile, FileName), nil
}

var (
	ErrSyncMethod = errors.New("unknown sync method")
	ErrFrameLimit = errors.New("frame limit too small")
)

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() (err error) {
	switch syncflow.Method(c.SyncMethod) {
	case syncflow.Since, syncflow.RangeSync:
	default:
		return fmt.Errorf("%w: %q", ErrSyncMethod, c.SyncMethod)
	}
	if c.FrameLimit != 0 && c.FrameLimit < negentropy.MinFrameLimit {
		return fmt.Errorf("%w: %d", ErrFrameLimit, c.FrameLimit)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive, got %d", c.CacheSize)
	}
	return
}

func (c *Config) Timeouts() relay.Timeouts {
	return relay.Timeouts{
		Connect:   c.ConnectTimeout.D(),
		Ping:      c.PingInterval.D(),
		Publish:   c.PublishTimeout.D(),
		Auth:      c.AuthTimeout.D(),
		Idle:      c.IdleTimeout.D(),
		IdleCheck: c.IdleCheck.D(),
	}
}

func (c *Config) Backoff() relay.Backoff {
	return relay.Backoff{Base: c.BackoffBase.D(), Max: c.BackoffMax.D()}
}

func (c *Config) SyncOptions() (o syncflow.Options) {
	o = syncflow.DefaultOptions()
	o.Method = syncflow.Method(c.SyncMethod)
	o.Window = c.SyncWindow.D()
	o.FrameLimit = c.FrameLimit
	o.DisableNegentropy = c.DisableNegentropy
	return
}

func (c *Config) Save(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot save nil config")
		log.E.Ln(err)
		return
	}
	if err = os.MkdirAll(filepath.Dir(filename), 0700); chk.E(err) {
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(c, "", "    "); chk.E(err) {
		return
	}
	if err = os.WriteFile(filename, b, 0600); chk.E(err) {
		return
	}
	return
}

// Load reads filename over c, keeping the fields the file does not set.
func (c *Config) Load(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot load into nil config")
		chk.E(err)
		return
	}
	var b []byte
	if b, err = os.ReadFile(filename); err != nil {
		return
	}
	if err = json.Unmarshal(b, c); chk.E(err) {
		return
	}
	return
}
