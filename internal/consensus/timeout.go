package consensus

import (
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// onTimerFire runs the pacemaker: a fired timer that still matches the
// current round means no proposal arrived in time, so this replica casts
// a timeout vote, advances its own round, and rearms.
func (c *Core) onTimerFire(id string) {
	if id != timerID(c.round) {
		// Stale firing: the round already moved on and cancelled (or
		// tried to cancel) this timer before it fired.
		return
	}

	v := types.NewTimeoutVote(c.self, c.round)
	sig, err := c.sigService.Sign(v.SigningPayload())
	if err != nil {
		c.logger.Warn("consensus: sign timeout vote failed", zap.Uint64("round", c.round), zap.Error(err))
		c.timers.Schedule(c.timeoutDelay, timerID(c.round))
		return
	}
	v.Signature = sig

	nextLeader := c.leader.Leader(c.round + 1)

	c.round++
	c.observedRound.Store(c.round)
	c.timers.Schedule(c.timeoutDelay, timerID(c.round))
	c.aggregator.Cleanup(c.round)

	if err := c.persistRecovery(); err != nil {
		c.logger.Error("consensus: persist recovery state failed, dropping timeout vote", zap.Uint64("round", v.Round), zap.Error(err))
		return
	}

	if err := c.deliverVote(v, nextLeader); err != nil {
		c.abort(err)
	}
}

