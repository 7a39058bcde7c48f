// Command syncr fetches, streams, synchronizes and publishes nostr events
// through the subscription engine.
package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/Hubmakerlabs/syncr/pkg/config"
	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/interrupt"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/Hubmakerlabs/syncr/pkg/system"
	"github.com/alexflint/go-arg"
)

var log, chk = slog.New(os.Stderr)

var (
	AppName = "syncr"
	Version = "v0.1.0"
)

type Args struct {
	config.Config
	Fetch   *FetchCmd   `arg:"subcommand:fetch" help:"run a query once and print the events"`
	Stream  *StreamCmd  `arg:"subcommand:stream" help:"print events as they arrive until interrupted"`
	Sync    *SyncCmd    `arg:"subcommand:sync" help:"fetch what a relay has that a local file of events lacks"`
	Publish *PublishCmd `arg:"subcommand:publish" help:"sign and publish a note"`
	InitCfg *InitCfgCmd `arg:"subcommand:initcfg" help:"write the configuration to the profile directory"`
}

func (Args) Version() string { return AppName + " " + Version }

func main() {
	args := Args{Config: *config.Default()}
	arg.MustParse(&args)
	path, err := config.Path(args.Profile)
	if chk.E(err) {
		os.Exit(1)
	}
	if args.InitCfg != nil {
		if chk.E(args.Config.Save(path)) {
			os.Exit(1)
		}
		log.I.Ln("configuration written to", path)
		return
	}
	// file values sit under the flags
	if _, err = os.Stat(path); err == nil {
		cfg := config.Default()
		if chk.E(cfg.Load(path)) {
			os.Exit(1)
		}
		args.Config = *cfg
		arg.MustParse(&args)
	} else if !errors.Is(err, fs.ErrNotExist) {
		chk.E(err)
	}
	slog.SetLogLevelString(args.LogLevel)
	log.D.F("using profile directory '%s'", args.Profile)
	if err = run(&args); chk.E(err) {
		os.Exit(1)
	}
}

func run(args *Args) (err error) {
	var k *keys
	var opts []system.Option
	if args.SecKey != "" {
		if k, err = parseKey(args.SecKey); err != nil {
			return
		}
		opts = append(opts, system.WithAuthenticator(k.authenticate))
	}
	var s *system.T
	if s, err = system.New(&args.Config, opts...); err != nil {
		return
	}
	it := interrupt.New()
	c := it.Context(context.Bg())
	it.AddHandler(s.Close)
	defer func() {
		it.Request()
		<-it.Done()
	}()
	if err = s.Start(c); err != nil {
		return
	}
	switch {
	case args.Fetch != nil:
		return args.Fetch.run(c, s)
	case args.Stream != nil:
		return args.Stream.run(c, s)
	case args.Sync != nil:
		return args.Sync.run(c, s)
	case args.Publish != nil:
		return args.Publish.run(c, s, k)
	}
	return errors.New("no command given, see --help")
}
