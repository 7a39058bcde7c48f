package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/syncr/pkg/query"
	"github.com/Hubmakerlabs/syncr/pkg/system"
	"github.com/nbd-wtf/go-nostr"
)

// FilterArgs describes one filter on the command line.
type FilterArgs struct {
	ID      string   `arg:"--id" help:"subscription id, generated from the filter when empty"`
	IDs     []string `arg:"-i,--ids,separate" help:"event ids"`
	Authors []string `arg:"-a,--author,separate" help:"author public keys"`
	Kinds   []int    `arg:"-k,--kind,separate" help:"event kinds"`
	Tags    []string `arg:"-t,--tag,separate" help:"tag filter as key=value[,value...]"`
	Since   int64    `arg:"--since" help:"unix time lower bound"`
	Until   int64    `arg:"--until" help:"unix time upper bound"`
	Limit   int      `arg:"-l,--limit" help:"most recent events per relay"`
	Search  string   `arg:"--search" help:"full text search, only sent to relays that support it"`
	On      []string `arg:"--on,separate" help:"send only to these relays"`
}

func (a *FilterArgs) request(opts ...query.Option) (req *query.Request, err error) {
	id := a.ID
	if id == "" {
		id = "cli"
	}
	req = query.NewRequest(id, opts...)
	b := req.Filter().IDs(a.IDs...).Authors(a.Authors...).Relay(a.On...)
	for _, k := range a.Kinds {
		b.Kinds(kind.T(k))
	}
	for _, t := range a.Tags {
		key, values, ok := strings.Cut(t, "=")
		if !ok || key == "" || values == "" {
			return nil, fmt.Errorf("tag filter %q is not key=value", t)
		}
		b.Tag(key, strings.Split(values, ",")...)
	}
	if a.Since != 0 {
		b.Since(timestamp.T(a.Since))
	}
	if a.Until != 0 {
		b.Until(timestamp.T(a.Until))
	}
	if a.Limit > 0 {
		b.Limit(a.Limit)
	}
	if a.Search != "" {
		b.Search(a.Search)
	}
	return
}

func emit(w io.Writer, evs ...*event.T) {
	for _, ev := range evs {
		fmt.Fprintln(w, ev.String())
	}
}

type FetchCmd struct {
	FilterArgs
}

func (f *FetchCmd) run(c context.T, s *system.T) (err error) {
	var req *query.Request
	if req, err = f.request(); err != nil {
		return
	}
	var evs []*event.T
	if evs, err = s.Fetch(c, req); err != nil {
		return
	}
	emit(os.Stdout, evs...)
	return
}

type StreamCmd struct {
	FilterArgs
}

func (f *StreamCmd) run(c context.T, s *system.T) (err error) {
	var req *query.Request
	out := query.SinkFunc(func(evs ...*event.T) { emit(os.Stdout, evs...) })
	if req, err = f.request(query.LeaveOpen(), query.WithSink(out)); err != nil {
		return
	}
	q := s.Subscribe(req)
	if err = q.Wait(c); err == nil {
		log.I.F("%s caught up with %d events, streaming", q.ID(), len(q.Snapshot()))
	}
	<-c.Done()
	return nil
}

type SyncCmd struct {
	FilterArgs
	Have string `arg:"--have,required" help:"file of events the client already holds, one JSON object per line"`
}

func (f *SyncCmd) run(c context.T, s *system.T) (err error) {
	var fh *os.File
	if fh, err = os.Open(f.Have); err != nil {
		return
	}
	defer fh.Close()
	var have []*event.T
	if have, err = readEvents(fh); err != nil {
		return
	}
	log.D.F("syncing against %d held events", len(have))
	var req *query.Request
	if req, err = f.request(query.SyncFrom(have...)); err != nil {
		return
	}
	var evs []*event.T
	if evs, err = s.Fetch(c, req); err != nil {
		return
	}
	emit(os.Stdout, evs...)
	return
}

func readEvents(r io.Reader) (evs []*event.T, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<24)
	for line := 1; sc.Scan(); line++ {
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		ev := new(event.T)
		if err = ev.UnmarshalJSON(b); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		evs = append(evs, ev)
	}
	return evs, sc.Err()
}

type PublishCmd struct {
	Content string   `arg:"positional,required" help:"note text"`
	Kind    int      `arg:"-k,--kind" default:"1" help:"event kind"`
	Tags    []string `arg:"-t,--tag,separate" help:"tag as key=value[,value...]"`
	To      string   `arg:"--to" help:"publish to this relay only"`
}

func (p *PublishCmd) event() (ev nostr.Event, err error) {
	ev = nostr.Event{Kind: p.Kind, Content: p.Content, CreatedAt: nostr.Now()}
	for _, t := range p.Tags {
		key, values, ok := strings.Cut(t, "=")
		if !ok || key == "" {
			return ev, fmt.Errorf("tag %q is not key=value", t)
		}
		ev.Tags = append(ev.Tags, append(nostr.Tag{key}, strings.Split(values, ",")...))
	}
	return
}

func (p *PublishCmd) run(c context.T, s *system.T, k *keys) (err error) {
	var ne nostr.Event
	if ne, err = p.event(); err != nil {
		return
	}
	var ev *event.T
	if ev, err = k.sign(ne); err != nil {
		return
	}
	if p.To != "" {
		r := s.PublishTo(c, p.To, ev)
		log.I.F("{%s} ok=%v %s %v", r.Relay, r.OK, r.Message, r.Err)
		return r.Err
	}
	var accepted int
	for _, r := range s.Publish(c, ev) {
		log.I.F("{%s} ok=%v %s %v", r.Relay, r.OK, r.Message, r.Err)
		if r.OK {
			accepted++
		}
	}
	if accepted == 0 {
		return fmt.Errorf("event %s was not accepted by any relay", ev.ID)
	}
	fmt.Fprintln(os.Stdout, ev.ID)
	return
}

type InitCfgCmd struct{}
