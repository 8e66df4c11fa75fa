package controller

import (
	"log/slog"

	"github.com/bamsammich/rfsync/internal/registry"
	"github.com/bamsammich/rfsync/internal/stats"
	"github.com/bamsammich/rfsync/internal/upstream"
)

// Session is the state shared by every connection of one controller run.
type Session struct {
	Registry *registry.Registry
	Upstream *upstream.Channel
	Stats    *stats.Collector
	Digest   string
	Version  int
	Skew     int64
}

// NewSession wires a frozen registry to the Local Controller channel.
func NewSession(reg *registry.Registry, up *upstream.Channel) *Session {
	return &Session{
		Registry: reg,
		Upstream: up,
		Stats:    stats.NewCollector(),
	}
}

// Request decides whether path may be read. Paths outside the registry are
// not under synchronization control and are always granted.
//
// A TOUCHED file is the only case that talks to the Local Controller. The
// record stays locked for the whole round trip, so concurrent requests for
// the same file ask once and the rest see the outcome.
func (s *Session) Request(path string) bool {
	s.Stats.AddRequests(1)

	rec, ok := s.Registry.Lookup(path)
	if !ok {
		s.Stats.AddRepliesOK(1)
		return true
	}

	granted := false
	rec.Transition(func(st registry.State) registry.State {
		switch {
		case st.Resolved():
			granted = true
			return st
		case st == registry.Touched:
			return s.askUpstream(path, &granted)
		default:
			slog.Debug("request refused", "path", path, "state", st)
			return st
		}
	})

	if granted {
		s.Stats.AddRepliesOK(1)
	} else {
		s.Stats.AddRepliesFailed(1)
	}
	return granted
}

func (s *Session) askUpstream(path string, granted *bool) registry.State {
	s.Stats.AddUpstreamAsks(1)
	accepted, err := s.Upstream.Ask(path)
	if err != nil {
		slog.Warn("local controller unavailable", "path", path, "error", err)
		return registry.Touched
	}
	if !accepted {
		s.Stats.AddRejected(1)
		slog.Info("file rejected by local controller", "path", path)
		return registry.Error
	}
	s.Stats.AddCopied(1)
	*granted = true
	return registry.Copied
}

// Written records that path was modified on this host. The Local Controller
// is told once per file, however many notifications arrive.
func (s *Session) Written(path string) {
	s.Stats.AddWritten(1)

	rec, ok := s.Registry.Lookup(path)
	if !ok {
		return
	}

	notify := false
	rec.Transition(func(st registry.State) registry.State {
		switch st {
		case registry.Modified, registry.Error:
			// ERROR stays put until the next build resets the manifest.
			return st
		case registry.Directory, registry.Link, registry.LinkFile, registry.Pending:
			slog.Debug("written ignored", "path", path, "state", st)
			return st
		default:
			notify = true
			return registry.Modified
		}
	})
	if !notify {
		return
	}

	s.Stats.AddModified(1)
	if err := s.Upstream.Written(path); err != nil {
		slog.Warn("notify local controller", "path", path, "error", err)
	}
}

// LogSummary logs the registry histogram and the activity counters.
func (s *Session) LogSummary() {
	attrs := []any{"stats", s.Stats.Snapshot().String()}
	if s.Registry.Frozen() {
		for st, n := range s.Registry.Counts() {
			attrs = append(attrs, st.String(), n)
		}
	}
	slog.Info("session summary", attrs...)
}
