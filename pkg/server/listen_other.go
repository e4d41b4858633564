//go:build !linux

package server

import "log"

func logListenBacklog(addr string) {
	log.Printf("Relay listening on %s (WebSocket on / and /ws)", addr)
}

// monitorListenOverflows needs /proc; elsewhere dropped connects go unreported
func (s *Server) monitorListenOverflows() {}
