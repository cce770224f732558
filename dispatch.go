package kvik

import "context"

// recv is installed as the transport's receive callback. It never returns
// anything to the transport: a replay, a timestamp failure, or any other
// rejection is logged and silently dropped rather than surfaced to the
// caller, since the transport has no notion of a response to give. The
// richer dispatch method below returns a Code so tests can assert on it
// directly.
func (c *Client) recv(msg LocalMsg) {
	code := c.dispatch(msg)
	if code != CodeSuccess {
		c.log.Debug("dispatch dropped inbound message", "type", msg.Type.String(), "result", code.String())
	}
}

// dispatch implements the client's receive path: it correlates responses
// with pending requests, and demultiplexes SUB_DATA deliveries through the
// subscription database.
func (c *Client) dispatch(msg LocalMsg) Code {
	if msg.NodeType != NodeGateway && msg.NodeType != NodeRelay {
		return CodeInvalidArg
	}

	switch msg.Type {
	case MsgOK, MsgFail, MsgProbeRes:
		return c.handleResponse(msg)
	case MsgSubData:
		return c.handleSubData(msg)
	default:
		return CodeInvalidArg
	}
}

// handleResponse correlates an OK/FAIL/PROBE_RES with its pending request,
// validating replay protection and sender identity first.
func (c *Client) handleResponse(msg LocalMsg) Code {
	c.stateLock.Lock()

	if !c.nb.validateMsgID(msg.Addr, msg.ID) {
		c.stateLock.Unlock()
		c.metrics.incIDCacheDuplicates()
		return CodeMsgDupID
	}

	gw := c.gateway
	if !c.ignoreInvalidTS && !c.nb.validateMsgTimestamp(msg.Ts, gw.TSDiff) {
		c.stateLock.Unlock()
		return CodeMsgInvalidTS
	}

	pr, ok := c.pending[msg.ReqID]
	if !ok {
		c.stateLock.Unlock()
		return CodeNotFound
	}

	if !pr.broadcast && !msg.Addr.Equal(pr.req.Addr) {
		c.stateLock.Unlock()
		return CodeMsgUnknownSender
	}

	var allowed bool
	switch pr.req.Type {
	case MsgProbeReq:
		allowed = msg.Type == MsgProbeRes || msg.Type == MsgFail
	case MsgPubSubUnsub:
		allowed = msg.Type == MsgOK || msg.Type == MsgFail
	}
	if !allowed {
		c.stateLock.Unlock()
		return CodeInvalidArg
	}

	pr.responses = append(pr.responses, msg)
	if !pr.broadcast {
		pr.complete()
	}
	c.stateLock.Unlock()
	return CodeSuccess
}

// subDelivery pairs a matched callback with the payload it should receive,
// captured under the lock so the callback itself can run outside it.
type subDelivery struct {
	cb      SubscribeCallback
	topic   string
	payload []byte
}

// handleSubData validates a SUB_DATA delivery, best-effort acks it, and
// fans each (topic, payload) out to every matching subscription callback.
// Callbacks run after stateLock is released and are individually recovered
// so a panicking callback cannot take down the dispatcher.
func (c *Client) handleSubData(msg LocalMsg) Code {
	c.stateLock.Lock()

	if !c.nb.validateMsgID(msg.Addr, msg.ID) {
		c.stateLock.Unlock()
		c.metrics.incIDCacheDuplicates()
		return CodeMsgDupID
	}

	gw := c.gateway
	if !c.ignoreInvalidTS && !c.nb.validateMsgTimestamp(msg.Ts, gw.TSDiff) {
		c.stateLock.Unlock()
		return CodeMsgInvalidTS
	}

	if !msg.Addr.Equal(gw.Addr) {
		c.stateLock.Unlock()
		return CodeMsgUnknownSender
	}

	var deliveries []subDelivery
	for _, tp := range msg.SubsData {
		for _, cb := range c.subs.find(tp.Topic) {
			if cb == nil {
				continue
			}
			deliveries = append(deliveries, subDelivery{cb: cb, topic: tp.Topic, payload: tp.Payload})
		}
	}
	c.stateLock.Unlock()

	c.ackSubData(msg)

	for _, d := range deliveries {
		c.invokeCallback(d.cb, d.topic, d.payload)
	}
	return CodeSuccess
}

// ackSubData sends a best-effort OK back to the gateway for a received
// SUB_DATA message, outside any client lock.
func (c *Client) ackSubData(msg LocalMsg) {
	ctx, cancel := c.ctxWithRespTimeout(context.Background())
	defer cancel()
	ack := LocalMsg{Type: MsgOK, ReqID: msg.ID}
	if _, err := c.sendUnchecked(ctx, ack, false, true); err != nil {
		c.log.Debug("failed to ack sub_data", "error", err)
	}
}

// invokeCallback runs a subscription callback, recovering from panics so one
// bad handler cannot poison the receive goroutine.
func (c *Client) invokeCallback(cb SubscribeCallback, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("subscription callback panicked", "topic", topic, "panic", r)
		}
	}()
	cb(topic, payload)
}
