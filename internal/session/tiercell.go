package session

import (
	"sync/atomic"

	"github.com/botloader/guildscheduler/internal/model"
)

// TierCell is a guild's premium tier, updated out-of-band (e.g. by a
// billing webhook) and read by the session only when claiming a worker
// (spec §5's "small shared cell" design note). Kept as an atomically
// swapped int rather than behind the session's own mutex so a tier
// change never has to contend with the session's dispatch path.
type TierCell struct {
	v atomic.Int64
}

// NewTierCell constructs a cell holding initial.
func NewTierCell(initial model.PremiumTier) *TierCell {
	c := &TierCell{}
	c.v.Store(int64(initial))
	return c
}

// Load returns the current tier.
func (c *TierCell) Load() model.PremiumTier {
	return model.PremiumTier(c.v.Load())
}

// Store updates the tier.
func (c *TierCell) Store(t model.PremiumTier) {
	c.v.Store(int64(t))
}
