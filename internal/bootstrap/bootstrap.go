// Package bootstrap runs the startup exchange with the Local Controller:
// version negotiation, clock-skew measurement and manifest ingestion.
package bootstrap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/rfsync/internal/platform"
	"github.com/bamsammich/rfsync/internal/registry"
	"github.com/bamsammich/rfsync/internal/upstream"
)

var (
	// ErrNegotiation marks a failed version or clock-skew exchange.
	ErrNegotiation = errors.New("bootstrap negotiation failed")

	// ErrManifest marks a malformed manifest or a manifest entry that could
	// not be materialized.
	ErrManifest = errors.New("manifest ingestion failed")
)

// SupportedVersions lists the protocol versions this controller speaks.
var SupportedVersions = []int{1, 2} //nolint:gochecknoglobals // read-only table

// MaxSkewRounds bounds the round count announced by the Local Controller.
const MaxSkewRounds = 1000

// Skew exchange markers.
const (
	SkewMarker = "SKEW"
	SkewEnd    = "END"
)

// Config controls a bootstrap run.
type Config struct {
	// SkewDir is where the mtime sample file is created. Defaults to the
	// system temp directory.
	SkewDir string
	// Versions overrides SupportedVersions.
	Versions []int
	// Now overrides the wall clock for the skew rounds. Intended for tests.
	Now func() time.Time
}

// Result is what the startup exchange established.
type Result struct {
	Registry *registry.Registry
	Digest   string // BLAKE3 of the echoed manifest, hex
	Version  int
	Skew     int64 // filesystem mtime minus wall clock, milliseconds
	Entries  int
}

// Run performs the whole startup exchange on ch. The returned registry is
// frozen.
func Run(ch *upstream.Channel, cfg Config) (Result, error) {
	if cfg.SkewDir == "" {
		cfg.SkewDir = os.TempDir()
	}
	if len(cfg.Versions) == 0 {
		cfg.Versions = SupportedVersions
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	version, err := NegotiateVersion(ch, cfg.Versions)
	if err != nil {
		return Result{}, err
	}
	slog.Debug("negotiated protocol version", "version", version)

	skew, err := MeasureSkew(ch, cfg.SkewDir, cfg.Now)
	if err != nil {
		return Result{}, err
	}
	slog.Debug("measured clock skew", "skew_ms", skew)

	reg := registry.New()
	digest, n, err := IngestManifest(ch, reg, version, skew)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Registry: reg,
		Digest:   digest,
		Version:  version,
		Skew:     skew,
		Entries:  n,
	}, nil
}

// NegotiateVersion announces the supported versions and reads back the
// one the Local Controller picked.
func NegotiateVersion(ch *upstream.Channel, versions []int) (int, error) {
	strs := make([]string, len(versions))
	for i, v := range versions {
		strs[i] = strconv.Itoa(v)
	}
	if err := ch.WriteLine("VERSIONS " + strings.Join(strs, " ")); err != nil {
		return 0, fmt.Errorf("%w: announce versions: %w", ErrNegotiation, err)
	}

	line, err := ch.ReadLine()
	if err != nil {
		return 0, fmt.Errorf("%w: read version: %w", ErrNegotiation, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "VERSION ")))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed version line %q", ErrNegotiation, line)
	}
	if !slices.Contains(versions, v) {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrNegotiation, v)
	}
	return v, nil
}

// MeasureSkew answers the Local Controller's clock rounds with the current
// wall clock and then samples the local filesystem clock in dir.
func MeasureSkew(ch *upstream.Channel, dir string, now func() time.Time) (int64, error) {
	line, err := ch.ReadLine()
	if err != nil {
		return 0, fmt.Errorf("%w: read round count: %w", ErrNegotiation, err)
	}
	rounds, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || rounds < 0 || rounds > MaxSkewRounds {
		return 0, fmt.Errorf("%w: malformed round count %q", ErrNegotiation, line)
	}

	for i := range rounds {
		marker, err := ch.ReadLine()
		if err != nil {
			return 0, fmt.Errorf("%w: read round %d: %w", ErrNegotiation, i, err)
		}
		if marker != SkewMarker {
			return 0, fmt.Errorf("%w: round %d: unexpected line %q", ErrNegotiation, i, marker)
		}
		if err := ch.WriteLine(strconv.FormatInt(now().UnixMilli(), 10)); err != nil {
			return 0, fmt.Errorf("%w: answer round %d: %w", ErrNegotiation, i, err)
		}
	}

	end, err := ch.ReadLine()
	if err != nil {
		return 0, fmt.Errorf("%w: read end marker: %w", ErrNegotiation, err)
	}
	if end != SkewEnd {
		return 0, fmt.Errorf("%w: expected %s, got %q", ErrNegotiation, SkewEnd, end)
	}

	skew, err := platform.SampleSkew(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	return skew, nil
}

// IngestManifest reads manifest lines until a blank line, materializes and
// registers each entry and echoes the canonical paths back. The registry is
// frozen on success. It returns the digest of the echo and the entry count.
func IngestManifest(
	ch *upstream.Channel, reg *registry.Registry, version int, skew int64,
) (string, int, error) {
	reg.Begin()
	h := blake3.New()
	n := 0

	for {
		line, err := ch.ReadLine()
		if err != nil {
			return "", n, fmt.Errorf("%w: read line %d: %w", ErrManifest, n+1, err)
		}
		if line == "" {
			break
		}

		entry, err := ParseEntry(line, version)
		if err != nil {
			return "", n, fmt.Errorf("%w: %w", ErrManifest, err)
		}
		realPath, err := Materialize(entry, skew)
		if err != nil {
			return "", n, fmt.Errorf("%w: %s: %w", ErrManifest, entry.Path, err)
		}
		reg.Insert(realPath, entry.State)

		echo := fmt.Sprintf("*%c%s", entry.State.Code(), entry.Path)
		if err := ch.WriteLines(echo, realPath); err != nil {
			return "", n, fmt.Errorf("%w: echo: %w", ErrManifest, err)
		}
		h.Write([]byte(echo + "\n" + realPath + "\n")) //nolint:errcheck // hash writes never fail
		n++
	}

	if err := ch.WriteLine(""); err != nil {
		return "", n, fmt.Errorf("%w: echo terminator: %w", ErrManifest, err)
	}
	if err := reg.Freeze(); err != nil {
		return "", n, fmt.Errorf("%w: %w", ErrManifest, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
