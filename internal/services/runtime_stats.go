package services

import "github.com/tbourn/fedi-timeline-sync/internal/repo"

// SweepOutcome is the result of the last scheduled retention sweep.
type SweepOutcome struct {
	AtMs   int64       `json:"at_ms"`
	Report SweepReport `json:"report"`
	Error  string      `json:"error,omitempty"`
}

// GiveUpOutcome records a stream that exhausted its reconnect attempts.
type GiveUpOutcome struct {
	AtMs   int64  `json:"at_ms"`
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// RuntimeStats is the store summary plus the outcome of background work.
type RuntimeStats struct {
	repo.StoreStats
	LastSweep  *SweepOutcome  `json:"last_sweep,omitempty"`
	GiveUps    int            `json:"stream_give_ups"`
	LastGiveUp *GiveUpOutcome `json:"last_give_up,omitempty"`
}
