// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package probe

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// osReader pulls host and process counters from procfs. Every read degrades
// to zero values off Linux or when a file is unreadable; the probe records a
// one-shot warning per missing source.
type osReader struct {
	pageSize uint64
	clockTck float64
}

func newOSReader() *osReader {
	return &osReader{
		pageSize: uint64(os.Getpagesize()),
		clockTck: 100, // USER_HZ on every mainstream Linux
	}
}

// hostStats returns platform-level counters
func (r *osReader) hostStats() (OSStats, []string) {
	var missing []string

	stats := OSStats{
		Platform: runtime.GOOS,
		CPUs:     runtime.NumCPU(),
	}

	total, free, ok := readMeminfo()
	if !ok {
		missing = append(missing, "meminfo")
	}
	stats.TotalMem = total
	stats.FreeMem = free

	load, ok := readLoadAvg()
	if !ok {
		missing = append(missing, "loadavg")
	}
	stats.LoadAvg = load

	uptime, ok := readUptime()
	if !ok {
		missing = append(missing, "uptime")
	}
	stats.Uptime = uptime

	return stats, missing
}

// processStats returns RSS and cumulative CPU time for this process
func (r *osReader) processStats() (rss uint64, user, system time.Duration, ok bool) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, 0, 0, false
	}

	// Field 2 (comm) may contain spaces; parse past the closing paren.
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 > len(s) {
		return 0, 0, 0, false
	}
	fields := strings.Fields(s[close+2:])
	// After comm+state strip: utime=field 11, stime=12, rss=21 (0-based)
	if len(fields) < 22 {
		return 0, 0, 0, false
	}

	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	rssPages, err3 := strconv.ParseUint(fields[21], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}

	tick := time.Duration(float64(time.Second) / r.clockTck)
	return rssPages * r.pageSize, time.Duration(utime) * tick, time.Duration(stime) * tick, true
}

func readMeminfo() (total, free uint64, ok bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			free = kb * 1024
		}
	}
	return total, free, total > 0
}

func readLoadAvg() ([3]float64, bool) {
	var load [3]float64
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return load, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return load, false
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return load, false
		}
		load[i] = v
	}
	return load, true
}

func readUptime() (time.Duration, bool) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, false
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
