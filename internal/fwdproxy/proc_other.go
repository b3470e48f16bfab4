//go:build !linux

package fwdproxy

func processRSSBytes() (uint64, bool) { return 0, false }

func processMemBreakdown() (map[string]uint64, bool) { return nil, false }
