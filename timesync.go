package kvik

import "context"

// SyncTime probes the current gateway to refresh the clock offset used for
// replay-window timestamps. It reschedules the periodic time-sync timer
// (suppressing a redundant duplicate firing when called out of band, e.g.
// directly by a user), sends one PROBE_REQ, and on success updates the
// gateway's TSDiff and optionally the system clock.
func (c *Client) SyncTime() *Error {
	return c.syncTime(false)
}

// syncTime is SyncTime's implementation, parameterized on whether the
// dispatcher's timestamp check should be suppressed for the probe response.
// The retained-gateway fast path in New calls this with ignoreTS = true: the
// gateway's clock offset is not yet known there, exactly as during discovery,
// so the response's timestamp cannot yet be validated against it.
func (c *Client) syncTime(ignoreTS bool) *Error {
	c.discoverySyncLock.Lock()
	defer c.discoverySyncLock.Unlock()

	if c.timeSyncTimer != nil && c.cfg.TimeSync.ReprobeGatewayInterval > 0 {
		c.timeSyncTimer.SetNextExec(c.cfg.Clock.Now().Add(c.cfg.TimeSync.ReprobeGatewayInterval))
	}

	gw := c.gatewaySnapshot()
	if gw.Addr.Empty() {
		c.noteTimeSyncOutcome(false)
		return &Error{Code: CodeNoGateway, Message: "no gateway bound"}
	}

	if ignoreTS {
		c.setIgnoreInvalidTS(true)
		defer c.setIgnoreInvalidTS(false)
	}

	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()

	resp, err := c.sendUnchecked(ctx, LocalMsg{Type: MsgProbeReq}, false, false)
	if err != nil {
		c.noteTimeSyncOutcome(false)
		return err
	}
	if len(resp) != 1 {
		c.noteTimeSyncOutcome(false)
		return &Error{Code: CodeTimeout, Message: "no response from gateway"}
	}
	if resp[0].Type == MsgFail {
		c.noteTimeSyncOutcome(false)
		return &Error{Code: CodeMsgProcessingFailed, Message: resp[0].FailReason.String()}
	}
	if resp[0].Type != MsgProbeRes {
		c.noteTimeSyncOutcome(false)
		return &Error{Code: CodeGenericFailure, Message: "unexpected response type"}
	}

	c.stateLock.Lock()
	c.gateway.TSDiff = resp[0].TSDiff
	c.stateLock.Unlock()
	c.noteTimeSyncOutcome(true)

	if c.cfg.TimeSync.SyncSystemTime && c.cfg.SetSystemTime != nil {
		wall := c.cfg.Clock.Now().Add(resp[0].TSDiff)
		if serr := c.cfg.SetSystemTime(wall); serr != nil {
			c.log.Warn("failed to set system time", "error", serr)
		}
	}
	return nil
}
