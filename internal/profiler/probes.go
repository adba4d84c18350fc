package profiler

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/wuest/cloudflock/internal/config"
)

func q(query Querier, cmd string) string {
	out, err := query.Query(cmd, config.Timeouts.Probe, true)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func probeHostname(query Querier, b *builder) {
	b.add("System", "hostname", q(query, "hostname -f"))
}

func probeKernel(query Querier, b *builder) {
	b.add("System", "kernel", q(query, "uname -r"))
	b.add("System", "arch", q(query, "uname -m"))
	b.add("System", "uptime", q(query, "cat /proc/uptime"))
}

func probeCPU(query Querier, b *builder) {
	out := q(query, "grep -c ^processor /proc/cpuinfo")
	b.add("CPU", "count", out)
	model := q(query, "grep -m1 'model name' /proc/cpuinfo")
	if idx := strings.Index(model, ":"); idx >= 0 {
		model = strings.TrimSpace(model[idx+1:])
	}
	b.add("CPU", "model", model)
}

var freeMemLineRE = regexp.MustCompile(`^Mem:\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)`)

// probeMemory implements the memory probe (spec.md 4.3): reads `free -m`;
// total, used = total - free - buffers - cache. Column 4 is "shared"; newer
// procps prints buffers and cache combined as "buff/cache" in column 5,
// older procps prints "buffers" and "cached" as columns 5 and 6.
func probeMemory(query Querier, b *builder) {
	out := q(query, "free -m")
	for _, line := range strings.Split(out, "\n") {
		m := freeMemLineRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		total, _ := strconv.Atoi(m[1])
		free, _ := strconv.Atoi(m[3])
		buffers, _ := strconv.Atoi(m[5])
		cache := 0
		if strings.Contains(out, "buffers") {
			cache, _ = strconv.Atoi(m[6])
		}
		used := total - free - buffers - cache
		b.add("Memory", "total_mib", strconv.Itoa(total))
		b.add("Memory", "used_mib", strconv.Itoa(used))
		return
	}
	b.add("Memory", "total_mib", "")
	b.add("Memory", "used_mib", "")
	b.warn("Unable to parse memory (free -m)")
}

var swapLineRE = regexp.MustCompile(`^Swap:\s+(\d+)\s+(\d+)\s+(\d+)`)

func probeSwap(query Querier, b *builder) {
	out := q(query, "free -m")
	for _, line := range strings.Split(out, "\n") {
		m := swapLineRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		total, _ := strconv.Atoi(m[1])
		used, _ := strconv.Atoi(m[2])
		b.add("Memory", "swap_total_mib", m[1])
		b.add("Memory", "swap_used_mib", m[2])
		if total > 0 && used > 0 {
			b.warn("Swap in use")
		}
		return
	}
	b.add("Memory", "swap_total_mib", "")
	b.add("Memory", "swap_used_mib", "")
	b.warn("Unable to parse swap (free -m)")
}

// probeMemoryHistory uses sar if present, averaging percent-used over
// available sa?? files (spec.md 4.3). Optional: failure is not a warning.
func probeMemoryHistory(query Querier, b *builder) {
	out := q(query, "command -v sar >/dev/null 2>&1 && sar -r 2>/dev/null | awk '/Average/ {print $4}'")
	if out == "" {
		return
	}
	var sum, n float64
	for _, line := range strings.Fields(out) {
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		sum += v
		n++
	}
	if n > 0 {
		b.add("Memory", "historical_percent_used", strconv.FormatFloat(sum/n, 'f', 2, 64))
	}
}

var loadAvgRE = regexp.MustCompile(`load average:\s*([\d.]+),\s*([\d.]+),\s*([\d.]+)`)

func probeLoad(query Querier, b *builder) {
	out := q(query, "uptime")
	m := loadAvgRE.FindStringSubmatch(out)
	if m == nil {
		b.add("Load", "1min", "")
		b.add("Load", "5min", "")
		b.add("Load", "15min", "")
		b.warn("Unable to determine load average")
		return
	}
	b.add("Load", "1min", m[1])
	b.add("Load", "5min", m[2])
	b.add("Load", "15min", m[3])
}

var dfLineRE = regexp.MustCompile(`^\S+\s+(\d+)\s+(\d+)\s+\d+\s+\d+%\s+(\S+)`)

// probeStorage sums "Used" columns of df rows whose mount is under /dev/*
// or whose block count exceeds 10,000,000, converting KiB -> GB (spec.md 4.3).
func probeStorage(query Querier, b *builder) {
	out := q(query, "df -kP")
	var usedKiB int64
	for _, line := range strings.Split(out, "\n") {
		m := dfLineRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		blocks, _ := strconv.ParseInt(m[1], 10, 64)
		used, _ := strconv.ParseInt(m[2], 10, 64)
		mount := m[3]
		if strings.HasPrefix(mount, "/dev") || blocks > 10_000_000 {
			usedKiB += used
		}
	}
	diskGB := float64(usedKiB) / 1_000_000
	b.add("Storage", "used_gb", strconv.FormatFloat(diskGB, 'f', 2, 64))

	iowait := q(query, "mpstat 1 1 2>/dev/null | awk '/Average/ {print $NF}'")
	if _, err := strconv.ParseFloat(iowait, 64); err == nil {
		b.add("Storage", "iowait_percent", iowait)
	}
}

// rfc1918Nets are the private ranges checked by the IP probe (spec.md 4.3).
var rfc1918Nets = []struct {
	prefix string
}{{"10."}, {"192.168."}, {"172.16."}, {"172.17."}, {"172.18."}, {"172.19."},
	{"172.20."}, {"172.21."}, {"172.22."}, {"172.23."}, {"172.24."}, {"172.25."},
	{"172.26."}, {"172.27."}, {"172.28."}, {"172.29."}, {"172.30."}, {"172.31."}}

func isRFC1918(ip string) bool {
	for _, n := range rfc1918Nets {
		if strings.HasPrefix(ip, n.prefix) {
			return true
		}
	}
	return false
}

var inetAddrRE = regexp.MustCompile(`inet (?:addr:)?(\d+\.\d+\.\d+\.\d+)`)

// probeNetworkIP lists non-loopback IPv4 addresses from ifconfig,
// partitioned into RFC1918 and public (spec.md 4.3).
func probeNetworkIP(query Querier, b *builder) {
	out := q(query, "ifconfig -a 2>/dev/null || ip -4 addr show")
	for _, m := range inetAddrRE.FindAllStringSubmatch(out, -1) {
		ip := m[1]
		if ip == "127.0.0.1" {
			continue
		}
		if isRFC1918(ip) {
			b.add("Network", "private_ip", ip)
		} else {
			b.add("Network", "public_ip", ip)
		}
	}
}

func probeLibraries(query Querier, b *builder) {
	out := q(query, "ldconfig -p 2>/dev/null | grep -Eo 'lib(ssl|crypto|c)\\.so[^ ]*' | sort -u")
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b.add("Libraries", line, "present")
	}
}

var listenLineRE = regexp.MustCompile(`^(tcp|udp)\S*\s+\S+\s+\S+\s+(\S+):(\d+)\s+\S+\s+(?:LISTEN)?\s*(?:\d+/(\S+))?`)

// probeServices lists unique listening (tcp/udp) (address, port, process)
// triples (spec.md 4.3), and records the full process list; the Plesk/cPanel
// heuristic warnings are raised from it later by applyHeuristicWarnings.
func probeServices(query Querier, b *builder) {
	out := q(query, "ss -tulnp 2>/dev/null || netstat -tulnp 2>/dev/null")
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		m := listenLineRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		key := m[1] + "/" + m[2] + ":" + m[3] + "/" + m[4]
		if seen[key] {
			continue
		}
		seen[key] = true
		b.add("Services", key, m[4])
	}

	b.add("Services", "process_list", q(query, "ps aux"))
}
