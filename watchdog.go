package kvik

// watchdogLoop waits to be woken by a failure-threshold trip (see
// wakeWatchdog) and runs an indefinite rediscovery. It exits promptly on
// shutdown even mid-discovery, since DiscoverGateway itself polls the
// shutdown signal between backoff delays. Close waits on watchdogWG for this
// loop to actually return before tearing down the transport, so a
// rediscovery in flight never calls into a transport whose callback has
// already been cleared.
func (c *Client) watchdogLoop() {
	defer c.watchdogWG.Done()
	for {
		select {
		case <-c.watchdogDone:
			return
		case <-c.watchdogWake:
			if c.isClosed() {
				return
			}
			c.log.Info("watchdog triggered rediscovery")
			if err := c.DiscoverGateway(0); err != nil {
				c.log.Warn("watchdog rediscovery did not complete", "error", err)
			}
		}
	}
}
