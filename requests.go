package kvik

import (
	"context"
)

// prepare fills in the fields the client itself owns (node type, message
// ID, destination, timestamp), inserts the pending-request entry, and
// returns the prepared message together with the pending handle the caller
// will wait on. This is the locked first phase of the three-phase send
// sendUnchecked implements below; the lock is acquired internally here.
func (c *Client) prepare(msg LocalMsg, broadcast bool) (LocalMsg, *pendingRequest, *Error) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	gw := c.gateway
	msg.NodeType = NodeClient
	msg.ID = c.nb.nextMsgID()
	msg.Ts = c.nb.nowUnits(gw.TSDiff)

	if broadcast {
		msg.Addr = nil
	} else {
		if gw.Addr.Empty() {
			return LocalMsg{}, nil, &Error{Code: CodeNoGateway, Message: "no gateway bound"}
		}
		msg.Addr = gw.Addr
	}

	pr := newPendingRequest(msg, broadcast)
	c.pending[msg.ID] = pr
	return msg, pr, nil
}

func (c *Client) dropPending(id uint16) {
	c.stateLock.Lock()
	delete(c.pending, id)
	c.stateLock.Unlock()
}

// sendUnchecked implements the three-phase send: prepare under the lock,
// Transport.Send outside it, then wait for the response(s) according to
// noResp/broadcast. It does not touch the failure counters; sendChecked
// layers that on top.
func (c *Client) sendUnchecked(ctx context.Context, msg LocalMsg, broadcast, noResp bool) ([]LocalMsg, *Error) {
	prepared, pr, perr := c.prepare(msg, broadcast)
	if perr != nil {
		return nil, perr
	}

	if err := c.transport.Send(ctx, prepared); err != nil {
		c.dropPending(prepared.ID)
		if kerr, ok := err.(*Error); ok {
			return nil, kerr
		}
		return nil, wrapErr(CodeGenericFailure, err)
	}

	if noResp {
		c.dropPending(prepared.ID)
		return nil, nil
	}

	if broadcast {
		timer := c.cfg.Clock.Timer(c.cfg.LocalDelivery.RespTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		c.stateLock.Lock()
		responses := pr.responses
		delete(c.pending, prepared.ID)
		c.stateLock.Unlock()
		return responses, nil
	}

	select {
	case <-pr.done:
		c.stateLock.Lock()
		var resp []LocalMsg
		if len(pr.responses) > 0 {
			resp = pr.responses[:1]
		}
		shutdown := pr.shutdown
		delete(c.pending, prepared.ID)
		c.stateLock.Unlock()
		if shutdown && len(resp) == 0 {
			return nil, &Error{Code: CodeGenericFailure, Message: ErrClientClosed.Error()}
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(prepared.ID)
		return nil, &Error{Code: CodeTimeout, Message: "no response from gateway"}
	}
}

// sendChecked wraps sendUnchecked with the unicast-failure bookkeeping:
// FAIL responses become MSG_PROCESSING_FAILED, successes reset msgsFailCnt,
// any error increments it and may wake the watchdog.
func (c *Client) sendChecked(ctx context.Context, msg LocalMsg, broadcast, noResp bool) ([]LocalMsg, *Error) {
	resp, err := c.sendUnchecked(ctx, msg, broadcast, noResp)
	if noResp {
		return resp, err
	}
	if err != nil {
		c.noteUnicastOutcome(false)
		return nil, err
	}
	if !broadcast && len(resp) == 1 && resp[0].Type == MsgFail {
		c.log.Warn("gateway rejected request", "fail_reason", resp[0].FailReason.String())
		c.noteUnicastOutcome(false)
		return resp, &Error{Code: CodeMsgProcessingFailed, Message: resp[0].FailReason.String()}
	}
	c.noteUnicastOutcome(true)
	return resp, nil
}
