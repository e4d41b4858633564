//go:build linux

package server

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const backlogCheckInterval = 10 * time.Second

// logListenBacklog reports the kernel accept queue limit. After a restart
// every client reconnects at once, so a small somaxconn drops some of them.
func logListenBacklog(addr string) {
	somaxconn := 0
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	log.Printf("Relay listening on %s (WebSocket on / and /ws, accept queue: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		log.Printf("WARNING: net.core.somaxconn=%d; a reconnect storm after restart may drop clients", somaxconn)
	}
}

// monitorListenOverflows watches the kernel's ListenOverflows counter and
// reports connection attempts the relay never saw, next to the load it was
// carrying at the time
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(backlogCheckInterval)
	defer ticker.Stop()

	last := readListenOverflows()
	for {
		select {
		case <-ticker.C:
			current := readListenOverflows()
			if current > last {
				dropped := current - last
				s.metrics.RecordListenOverflows(dropped)
				snap := s.Snapshot()
				log.Printf("WARNING: kernel dropped %d client connection attempt(s) (relay had %d connections, %d online)",
					dropped, snap.OpenConnections, snap.OnlineUsers)
			}
			last = current
		case <-s.shutdown:
			return
		}
	}
}

func readListenOverflows() uint64 {
	f, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer f.Close()
	return parseListenOverflows(f)
}

// parseListenOverflows extracts TcpExt ListenOverflows from netstat output,
// where a header line of names precedes a line of values
func parseListenOverflows(r io.Reader) uint64 {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	var names []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if names == nil {
			names = fields[1:]
			continue
		}
		for i, name := range names {
			if name == "ListenOverflows" && i+1 < len(fields) {
				n, _ := strconv.ParseUint(fields[i+1], 10, 64)
				return n
			}
		}
		return 0
	}
	return 0
}
