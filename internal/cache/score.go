package cache

import (
	"math"
	"time"

	"github.com/clawinfra/satchel/internal/types"
)

// ScoreConfig tunes the eviction score. Higher scores survive longer.
type ScoreConfig struct {
	AccessWeight    float64       // multiplier on log(accessCount+1)
	RecencyBonus    float64       // max bonus for a just-accessed entry
	RecencyWindow   time.Duration // window over which the recency bonus decays to zero
	ProtectionBonus float64       // added while an entry is protected
}

// DefaultScoreConfig returns the standard scoring weights.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		AccessWeight:    10,
		RecencyBonus:    25,
		RecencyWindow:   time.Hour,
		ProtectionBonus: 1000,
	}
}

// Score computes the eviction score of an entry at now:
// priority weight + log(accessCount+1)*K + recency bonus + protection
// bonus. Eviction removes ascending-score entries first.
func Score(priority types.Priority, accessCount int, lastAccessed time.Time, protected bool, now time.Time, cfg ScoreConfig) float64 {
	score := float64(priority.Weight())
	score += math.Log(float64(accessCount)+1) * cfg.AccessWeight

	if cfg.RecencyWindow > 0 {
		since := now.Sub(lastAccessed)
		if since >= 0 && since < cfg.RecencyWindow {
			score += cfg.RecencyBonus * (1 - float64(since)/float64(cfg.RecencyWindow))
		}
	}
	if protected {
		score += cfg.ProtectionBonus
	}
	return score
}
