package inspect

import (
	"strconv"
	"strings"
)

const (
	kb = 1024
	mb = kb * kb
	gb = mb * kb
)

// ParseLoadAverage returns the 1 minute load average of uptime output
func ParseLoadAverage(lines []string) float64 {
	for _, line := range lines {
		idx := strings.Index(line, "load average")
		if idx < 0 {
			continue
		}
		rest := strings.TrimLeft(line[idx+len("load average"):], "s: ")
		if end := strings.IndexAny(rest, ", "); end > 0 {
			rest = rest[:end]
		}
		v, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return 0
		}
		return v
	}
	return 0
}

// ParseMemInfo returns total and available memory in MB from /proc/meminfo.
// MemFree is used on kernels without MemAvailable.
func ParseMemInfo(lines []string) (total, available int64) {
	var free int64
	found := false
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "MemTotal":
			total = kbValue(value) / kb
		case "MemAvailable":
			available = kbValue(value) / kb
			found = true
		case "MemFree":
			free = kbValue(value) / kb
		}
	}
	if !found {
		available = free
	}
	return total, available
}

func kbValue(s string) int64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "kB"))
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// ParseDiskFree returns the total and used disk space in GB from the total
// line of df -k --total
func ParseDiskFree(lines []string) (total, used int64) {
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "total" {
			continue
		}
		t, err1 := strconv.ParseInt(fields[1], 10, 64)
		u, err2 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0
		}
		return t / mb, u / mb
	}
	return 0, 0
}

// wmicValues parses the Key=Value lines of wmic /value output, summing repeated keys
func wmicValues(lines []string) map[string]int64 {
	values := make(map[string]int64)
	for _, line := range lines {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		values[strings.ToLower(key)] += v
	}
	return values
}

func ParseWMICLoad(lines []string) float64 {
	return float64(wmicValues(lines)["loadpercentage"])
}

// ParseWMICMemory returns total and free memory in MB, wmic reports KB
func ParseWMICMemory(lines []string) (total, available int64) {
	v := wmicValues(lines)
	return v["totalvisiblememorysize"] / kb, v["freephysicalmemory"] / kb
}

// ParseWMICDisk sums all logical disks, wmic reports bytes
func ParseWMICDisk(lines []string) (total, used int64) {
	v := wmicValues(lines)
	size, free := v["size"], v["freespace"]
	return size / gb, (size - free) / gb
}
