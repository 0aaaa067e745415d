package main

import (
	"time"

	"github.com/matst80/kproxy/internal/server"
)

// stateView is the /api/state document.
type stateView struct {
	server.Stats
	Now string `json:"now"`
}

func collectStats(s *server.Server) stateView {
	return stateView{Stats: s.Stats(), Now: time.Now().UTC().Format(time.RFC3339)}
}
