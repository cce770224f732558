package kvik

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// setIgnoreInvalidTS toggles the dispatcher's timestamp check, suppressed
// during a discovery probe exchange (the gateway's clock offset is not yet
// known).
func (c *Client) setIgnoreInvalidTS(v bool) {
	c.stateLock.Lock()
	c.ignoreInvalidTS = v
	c.stateLock.Unlock()
}

// sleepInterruptible waits for d (on the configured clock, so backoff
// delays are controllable in tests) or until shutdown, reporting whether
// shutdown occurred first.
func (c *Client) sleepInterruptible(d time.Duration) bool {
	timer := c.cfg.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-c.watchdogDone:
		return true
	}
}

// DiscoverGateway scans for and selects a gateway, retrying with
// exponential backoff between attempts. maxAttempts == 0 means retry
// forever; discovery and time sync are mutually exclusive via
// discoverySyncLock, which also serializes channel switching.
func (c *Client) DiscoverGateway(maxAttempts int) *Error {
	c.discoverySyncLock.Lock()
	defer c.discoverySyncLock.Unlock()

	delay := c.cfg.GwDscv.DscvMinDelay
	attempt := 0

	for {
		c.metrics.incDiscoveryAttempts()

		c.setIgnoreInvalidTS(true)
		winner, responders, found, scanErr := c.scanOnce()
		c.setIgnoreInvalidTS(false)
		if scanErr != nil {
			c.log.Debug("one or more channels failed during discovery scan", "error", scanErr)
		}

		if found {
			if len(c.transport.Channels()) > 0 {
				if err := c.transport.SetChannel(winner.Channel); err != nil {
					c.log.Warn("failed to switch to winning channel", "channel", winner.Channel, "error", err)
				}
			}
			c.setGateway(winner)
			c.metrics.incDiscoverySuccesses()
			c.log.Info("gateway discovered",
				"addr", winner.Addr.String(), "channel", winner.Channel, "pref", winner.Preference)

			c.reportRSSI(winner, responders)
			return nil
		}

		c.clearGateway()
		attempt++
		if maxAttempts != 0 && attempt >= maxAttempts {
			return &Error{Code: CodeTooManyFailedAttempts, Message: fmt.Sprintf("no gateway found in %d attempts", attempt)}
		}

		if c.sleepInterruptible(delay) {
			return &Error{Code: CodeTooManyFailedAttempts, Message: "shutdown during discovery"}
		}

		delay *= 2
		if delay > c.cfg.GwDscv.DscvMaxDelay {
			delay = c.cfg.GwDscv.DscvMaxDelay
		}
	}
}

// scanOnce runs one discovery attempt: a broadcast PROBE_REQ on every
// transport channel (or once on the default channel if the transport has
// no channel concept), collecting every PROBE_RES and picking the
// highest-preference responder. Ties go to whichever response was seen
// first, because the comparison is strict greater-than against a
// PrefUnknown floor.
func (c *Client) scanOnce() (winner Peer, responders []LocalMsg, found bool, scanErr error) {
	winner.Preference = PrefUnknown

	probeOn := func(ch uint16) {
		if ch != 0 {
			if err := c.transport.SetChannel(ch); err != nil {
				scanErr = multierr.Append(scanErr, fmt.Errorf("channel %d: %w", ch, err))
				return
			}
		}

		ctx, cancel := c.ctxWithRespTimeout(context.Background())
		defer cancel()

		resp, err := c.sendUnchecked(ctx, LocalMsg{Type: MsgProbeReq}, true, false)
		if err != nil {
			scanErr = multierr.Append(scanErr, fmt.Errorf("channel %d: %w", ch, err))
			return
		}
		for _, r := range resp {
			if r.Type != MsgProbeRes {
				continue
			}
			responders = append(responders, r)
			if r.Pref > winner.Preference {
				winner = Peer{Addr: r.Addr.Clone(), Channel: ch, Preference: r.Pref, RSSI: r.RSSI, TSDiff: r.TSDiff}
				found = true
			}
		}
	}

	channels := c.transport.Channels()
	if len(channels) == 0 {
		probeOn(0)
	} else {
		for _, ch := range channels {
			probeOn(ch)
		}
	}
	return winner, responders, found, scanErr
}

// reportRSSI best-effort publishes one report per responder that carried an
// observed RSSI. A failure here never undoes a successful discovery.
func (c *Client) reportRSSI(gw Peer, responders []LocalMsg) {
	if !c.cfg.Reporting.RSSIOnGwDscv {
		return
	}

	var pubs []TopicPayload
	for _, r := range responders {
		if r.RSSI == RSSIUnknown {
			continue
		}
		pubs = append(pubs, TopicPayload{
			Topic:   c.nb.buildReportRSSITopic(Peer{Addr: r.Addr}),
			Payload: []byte(fmt.Sprintf("%d", r.RSSI)),
		})
	}
	if len(pubs) == 0 {
		return
	}

	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()
	if _, err := c.sendUnchecked(ctx, LocalMsg{Type: MsgPubSubUnsub, Pubs: pubs}, false, false); err != nil {
		c.log.Debug("rssi report failed", "error", err)
	}
}
