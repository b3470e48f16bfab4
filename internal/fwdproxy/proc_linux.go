//go:build linux

package fwdproxy

import (
	"bytes"
	"os"
	"strconv"
)

// processRSSBytes returns the resident set size of the proxy process, or
// false when /proc/self/statm cannot be read.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	// size resident shared text lib data dt, all in pages
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

// processMemBreakdown splits RSS using /proc/self/smaps_rollup. Needs Linux
// 4.14 or later.
func processMemBreakdown() (map[string]uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()
	vals := parseSmapsRollup(f)
	return vals, len(vals) > 0
}
