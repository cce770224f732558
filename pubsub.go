package kvik

import "context"

// PubSubUnsubBulk publishes pubs, subscribes to subs and unsubscribes from
// unsubs in one PUB_SUB_UNSUB round trip. Local subscription-database
// mutations are only applied once the gateway has acknowledged the request,
// so a crash between send and ack never leaves the local DB ahead of the
// gateway's view.
func (c *Client) PubSubUnsubBulk(pubs []TopicPayload, subs []string, unsubs []string) *Error {
	if c.isClosed() {
		return &Error{Code: CodeGenericFailure, Message: ErrClientClosed.Error()}
	}
	if len(pubs) == 0 && len(subs) == 0 && len(unsubs) == 0 {
		return nil
	}

	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()

	msg := LocalMsg{Type: MsgPubSubUnsub, Pubs: pubs, Subs: subs, Unsubs: unsubs}
	if _, err := c.sendChecked(ctx, msg, false, false); err != nil {
		return err
	}

	c.stateLock.Lock()
	for _, pattern := range unsubs {
		c.subs.remove(pattern)
	}
	for _, pattern := range subs {
		if !c.subs.exists(pattern) {
			c.subs.put(pattern, nil)
		}
	}
	c.stateLock.Unlock()

	c.metrics.setSubCount(c.subCount())
	return nil
}

// Subscribe registers cb for deliveries matching pattern and asks the
// gateway to route topic to this client, replacing any previous callback
// for the same exact pattern.
func (c *Client) Subscribe(pattern string, cb SubscribeCallback) *Error {
	if cb == nil {
		return &Error{Code: CodeInvalidArg, Message: "callback must not be nil"}
	}
	if c.isClosed() {
		return &Error{Code: CodeGenericFailure, Message: ErrClientClosed.Error()}
	}

	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()

	if _, err := c.sendChecked(ctx, LocalMsg{Type: MsgPubSubUnsub, Subs: []string{pattern}}, false, false); err != nil {
		return err
	}

	c.stateLock.Lock()
	c.subs.put(pattern, cb)
	c.stateLock.Unlock()
	c.metrics.setSubCount(c.subCount())
	return nil
}

// Unsubscribe removes one pattern, telling the gateway to stop routing it.
func (c *Client) Unsubscribe(pattern string) *Error {
	if c.isClosed() {
		return &Error{Code: CodeGenericFailure, Message: ErrClientClosed.Error()}
	}

	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()

	if _, err := c.sendChecked(ctx, LocalMsg{Type: MsgPubSubUnsub, Unsubs: []string{pattern}}, false, false); err != nil {
		return err
	}

	c.stateLock.Lock()
	c.subs.remove(pattern)
	c.stateLock.Unlock()
	c.metrics.setSubCount(c.subCount())
	return nil
}

// Publish sends one publication with no subscription changes.
func (c *Client) Publish(topic string, payload []byte) *Error {
	return c.PubSubUnsubBulk([]TopicPayload{{Topic: topic, Payload: payload}}, nil, nil)
}

// UnsubscribeAll tells the gateway to drop every pattern this client has
// registered, then clears the local subscription database.
func (c *Client) UnsubscribeAll() *Error {
	if c.isClosed() {
		return &Error{Code: CodeGenericFailure, Message: ErrClientClosed.Error()}
	}

	c.stateLock.Lock()
	patterns := c.subs.patterns()
	c.stateLock.Unlock()
	if len(patterns) == 0 {
		return nil
	}

	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()
	if _, err := c.sendChecked(ctx, LocalMsg{Type: MsgPubSubUnsub, Unsubs: patterns}, false, false); err != nil {
		return err
	}

	c.stateLock.Lock()
	for _, p := range patterns {
		c.subs.remove(p)
	}
	c.stateLock.Unlock()
	c.metrics.setSubCount(0)
	return nil
}

// ResubscribeAll re-sends every currently tracked pattern as a fresh SUB
// request, refreshing the gateway-side lease without touching the local
// database (it is already correct). The client never calls it itself: a
// rediscovery that binds a new gateway does not resubscribe automatically.
func (c *Client) ResubscribeAll() *Error {
	if c.isClosed() {
		return &Error{Code: CodeGenericFailure, Message: ErrClientClosed.Error()}
	}

	c.stateLock.Lock()
	patterns := c.subs.patterns()
	c.stateLock.Unlock()
	if len(patterns) == 0 {
		return nil
	}

	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()
	_, err := c.sendChecked(ctx, LocalMsg{Type: MsgPubSubUnsub, Subs: patterns}, false, false)
	if err != nil {
		c.metrics.incSubRenewalFailures()
	}
	return err
}

// renewSubscriptions is the periodic callback driven by renewalTimer. A
// failure is logged and left for the next tick rather than escalated: a
// missed renewal degrades gracefully (the gateway lease simply expires and
// deliveries stop) rather than tearing down the client.
func (c *Client) renewSubscriptions() {
	c.stateLock.Lock()
	patterns := c.subs.patterns()
	c.stateLock.Unlock()
	if len(patterns) == 0 {
		return
	}

	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()
	if _, err := c.sendChecked(ctx, LocalMsg{Type: MsgPubSubUnsub, Subs: patterns}, false, false); err != nil {
		c.log.Warn("subscription renewal failed", "error", err)
		c.metrics.incSubRenewalFailures()
		return
	}
	c.metrics.incSubRenewals()
}

// subCount reports the current number of active subscriptions under lock.
func (c *Client) subCount() int {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.subs.len()
}
