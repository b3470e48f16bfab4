package fwdproxy

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Outcome names how a request was answered. It is logged per request and
// counted by statsCollector.
type Outcome string

const (
	OutcomeHit         Outcome = "hit"         // served from cache, no validators
	OutcomeRevalidated Outcome = "revalidated" // origin said 304, cached copy served
	OutcomeRefreshed   Outcome = "refreshed"   // revalidation stored a new copy
	OutcomeStale       Outcome = "stale"       // origin failed, cached copy served
	OutcomeMiss        Outcome = "miss"
	OutcomeBypass      Outcome = "bypass" // POST, never cached
	OutcomeBlocked     Outcome = "blocked"
	OutcomeRejected    Outcome = "rejected" // 400 or 501
	OutcomeError       Outcome = "error"    // origin failure mapped to 5xx
)

var outcomes = []Outcome{
	OutcomeHit, OutcomeRevalidated, OutcomeRefreshed, OutcomeStale, OutcomeMiss,
	OutcomeBypass, OutcomeBlocked, OutcomeRejected, OutcomeError,
}

type statsCollector struct {
	counts map[Outcome]*atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{counts: make(map[Outcome]*atomic.Uint64, len(outcomes))}
	for _, o := range outcomes {
		s.counts[o] = new(atomic.Uint64)
	}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one response written to a client.
func (s *statsCollector) Observe(o Outcome, respBytes int) {
	if c, ok := s.counts[o]; ok {
		c.Add(1)
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for cur := s.minRespBytes.Load(); n < cur; cur = s.minRespBytes.Load() {
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxRespBytes.Load(); n > cur; cur = s.maxRespBytes.Load() {
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Outcomes       map[Outcome]uint64 `json:"outcomes"`
	TotalResponses uint64             `json:"totalResponses"`
	TotalRespBytes uint64             `json:"totalRespBytes"`
	MinRespBytes   uint64             `json:"minRespBytes"`
	MaxRespBytes   uint64             `json:"maxRespBytes"`
	AvgRespBytes   uint64             `json:"avgRespBytes"`
	CachedEntries  int                `json:"cachedEntries"`
	RSSBytes       uint64             `json:"rssBytes,omitempty"`
	// RSSBreakdown holds the memKeys fields of smaps_rollup, in bytes.
	RSSBreakdown map[string]uint64 `json:"rssBreakdown,omitempty"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{Outcomes: make(map[Outcome]uint64, len(s.counts))}
	for o, c := range s.counts {
		out.Outcomes[o] = c.Load()
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	default:
		return trimFloat(float64(b)/gb) + "gb"
	}
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}

// memKeys are the smaps_rollup lines reported by the stats: anonymous memory
// is heap and stacks, file-backed pages are mostly the mapped index backend.
var memKeys = []string{"Rss", "Anonymous", "Pss_File", "Pss_Shmem", "Swap"}

// parseSmapsRollup reads "Key:   123 kB" lines and keeps the memKeys ones.
func parseSmapsRollup(r io.Reader) map[string]uint64 {
	want := make(map[string]bool, len(memKeys))
	for _, k := range memKeys {
		want[k] = true
	}
	vals := make(map[string]uint64, len(memKeys))
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || !want[key] {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) > 1 && strings.EqualFold(fields[1], "kB") {
			n *= 1024
		}
		vals[key] = n
	}
	return vals
}

func formatMemBreakdown(vals map[string]uint64) string {
	var parts []string
	for _, k := range memKeys {
		if v, ok := vals[k]; ok {
			parts = append(parts, k+"="+formatBytes(v))
		}
	}
	return strings.Join(parts, " ")
}
