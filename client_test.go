package kvik

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.LocalDelivery.RespTimeout = 20 * time.Millisecond
	cfg.MsgIDCache.TimeUnit = 10 * time.Millisecond
	cfg.MsgIDCache.MaxAge = 2
	cfg.GwDscv.DscvMinDelay = 5 * time.Millisecond
	cfg.GwDscv.DscvMaxDelay = 20 * time.Millisecond
	cfg.GwDscv.InitialDscvFailThres = 3
	cfg.Reporting.RSSIOnGwDscv = false
	cfg.Logger = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	return cfg
}

func probeRes(addr LocalAddr, pref int16) LocalMsg {
	return LocalMsg{
		Type:     MsgProbeRes,
		Addr:     addr,
		NodeType: NodeGateway,
		Pref:     pref,
		RSSI:     RSSIUnknown,
	}
}

func TestInitialDiscoverySuccess(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport(nil)
	gwAddr := LocalAddr{0x02, 0x01, 0x02, 0x03}

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		if sent.Type != MsgProbeReq {
			return nil
		}
		r := probeRes(gwAddr, 200)
		r.ReqID = sent.ID
		return []LocalMsg{r}
	}

	client, err := New(cfg, transport, nil)
	require.NoError(t, err)
	defer client.Close()

	gw := client.gatewaySnapshot()
	assert.True(t, gw.Addr.Equal(gwAddr))
	assert.Equal(t, uint16(0), gw.Channel)

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, MsgProbeReq, sent[0].Type)
	assert.True(t, sent[0].Addr.Empty())
}

func TestRetainedSyncFastPath(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport([]uint16{1})
	gwAddr := LocalAddr{0x01}

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		if sent.Type != MsgProbeReq || !sent.Addr.Equal(gwAddr) {
			return nil
		}
		r := probeRes(gwAddr, 0)
		r.ReqID = sent.ID
		return []LocalMsg{r}
	}

	retained := RetainedSnapshot{Peer: RetainedPeerFromPeer(Peer{Addr: gwAddr, Channel: 1})}

	client, err := New(cfg, transport, &retained)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, uint16(1), transport.currentChannel())
	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, MsgProbeReq, sent[0].Type)
	assert.True(t, sent[0].Addr.Equal(gwAddr))
}

func TestMultiChannelScanPicksHighestPreference(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport([]uint16{74, 39, 88})

	prefByChannel := map[uint16]int16{74: 100, 39: 300, 88: 200}
	addrByChannel := map[uint16]LocalAddr{
		74: {0x74}, 39: {0x39}, 88: {0x88},
	}

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		if sent.Type != MsgProbeReq {
			return nil
		}
		r := probeRes(addrByChannel[ch], prefByChannel[ch])
		r.ReqID = sent.ID
		return []LocalMsg{r}
	}

	client, err := New(cfg, transport, nil)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, uint16(39), transport.currentChannel())
	gw := client.gatewaySnapshot()
	assert.True(t, gw.Addr.Equal(addrByChannel[39]))
	assert.Equal(t, int16(300), gw.Preference)
}

func TestRediscoveryAfterRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.GwDscv.TrigMsgsFailCnt = 3
	transport := newFakeTransport(nil)

	gw1 := LocalAddr{0xAA}
	gw2 := LocalAddr{0xBB}
	var failing bool
	var client *Client

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		switch sent.Type {
		case MsgProbeReq:
			addr := gw1
			if failing {
				addr = gw2
			}
			r := probeRes(addr, 100)
			r.ReqID = sent.ID
			return []LocalMsg{r}
		case MsgPubSubUnsub:
			if failing {
				return nil // no reply while the first gateway is "down"
			}
			r := LocalMsg{Type: MsgOK, Addr: sent.Addr, NodeType: NodeGateway, ReqID: sent.ID}
			if client != nil {
				r.Ts = client.nb.nowUnits(0)
			}
			return []LocalMsg{r}
		}
		return nil
	}

	var err error
	client, err = New(cfg, transport, nil)
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.gatewaySnapshot().Addr.Equal(gw1))

	failing = true
	for i := 0; i < 3; i++ {
		_ = client.Publish("x", []byte("y"))
	}

	assert.Eventually(t, func() bool {
		return client.gatewaySnapshot().Addr.Equal(gw2)
	}, 2*time.Second, 10*time.Millisecond)

	failing = false
	assert.Eventually(t, func() bool {
		return client.Publish("x", []byte("y")) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriptionDeliveryWithWildcard(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport(nil)
	gwAddr := LocalAddr{0x01}
	var client *Client

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		switch sent.Type {
		case MsgProbeReq:
			r := probeRes(gwAddr, 1)
			r.ReqID = sent.ID
			return []LocalMsg{r}
		case MsgPubSubUnsub:
			// The ack needs a current timestamp and an ID other than the
			// PROBE_RES's, or the dispatcher's replay checks drop it.
			r := LocalMsg{Type: MsgOK, Addr: gwAddr, NodeType: NodeGateway, ID: 1, ReqID: sent.ID}
			if client != nil {
				r.Ts = client.nb.nowUnits(0)
			}
			return []LocalMsg{r}
		}
		return nil
	}

	var err error
	client, err = New(cfg, transport, nil)
	require.NoError(t, err)
	defer client.Close()

	type delivery struct {
		topic   string
		payload string
	}
	deliveries := make(chan delivery, 2)
	require.NoError(t, client.Subscribe("aaa/bbb/#", func(topic string, payload []byte) {
		deliveries <- delivery{topic, string(payload)}
	}))

	subData := LocalMsg{
		Type:     MsgSubData,
		Addr:     gwAddr,
		NodeType: NodeGateway,
		ID:       1000,
		Ts:       client.nb.nowUnits(0),
		SubsData: []TopicPayload{
			{Topic: "aaa/bbb/123", Payload: []byte("P1")},
			{Topic: "aaa/bbb/1/2", Payload: []byte("P2")},
		},
	}
	code := client.dispatch(subData)
	assert.Equal(t, CodeSuccess, code)

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-deliveries:
			got[d.topic] = d.payload
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	assert.Equal(t, map[string]string{"aaa/bbb/123": "P1", "aaa/bbb/1/2": "P2"}, got)
}

func TestReplayOfSubData(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport(nil)
	gwAddr := LocalAddr{0x01}

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		if sent.Type != MsgProbeReq {
			return nil
		}
		r := probeRes(gwAddr, 1)
		r.ReqID = sent.ID
		return []LocalMsg{r}
	}

	client, err := New(cfg, transport, nil)
	require.NoError(t, err)
	defer client.Close()

	subData := LocalMsg{
		Type:     MsgSubData,
		Addr:     gwAddr,
		NodeType: NodeGateway,
		ID:       7,
		Ts:       client.nb.nowUnits(0),
	}

	assert.Equal(t, CodeSuccess, client.dispatch(subData))
	assert.Equal(t, CodeMsgDupID, client.dispatch(subData))
	assert.Equal(t, CodeMsgDupID, client.dispatch(subData))

	time.Sleep(time.Duration(cfg.MsgIDCache.MaxAge+2) * cfg.MsgIDCache.TimeUnit)
	assert.Equal(t, CodeMsgInvalidTS, client.dispatch(subData))
}

// failCnt is a test-only accessor for the unicast failure counter; the
// production API has no getter for it since nothing outside the client
// needs one.
func (c *Client) failCnt() uint16 {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.msgsFailCnt
}

func TestUnicastFailureCounterResetsOnSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.GwDscv.TrigMsgsFailCnt = 100 // high enough that the watchdog never fires here
	transport := newFakeTransport(nil)
	gwAddr := LocalAddr{0x01}
	var failNext bool
	var client *Client

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		switch sent.Type {
		case MsgProbeReq:
			r := probeRes(gwAddr, 1)
			r.ReqID = sent.ID
			return []LocalMsg{r}
		case MsgPubSubUnsub:
			if failNext {
				return nil
			}
			r := LocalMsg{Type: MsgOK, Addr: sent.Addr, NodeType: NodeGateway, ReqID: sent.ID}
			if client != nil {
				r.Ts = client.nb.nowUnits(0)
			}
			return []LocalMsg{r}
		}
		return nil
	}

	var err error
	client, err = New(cfg, transport, nil)
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, uint16(0), client.failCnt())

	failNext = true
	assert.NotNil(t, client.Publish("x", []byte("y")))
	assert.Equal(t, uint16(1), client.failCnt())

	failNext = false
	assert.Nil(t, client.Publish("x", []byte("y")))
	assert.Equal(t, uint16(0), client.failCnt())
}

func TestDiscoveryBackoffIsExponential(t *testing.T) {
	cfg := testConfig()
	cfg.GwDscv.DscvMinDelay = 10 * time.Millisecond
	cfg.GwDscv.DscvMaxDelay = 35 * time.Millisecond
	cfg.GwDscv.InitialDscvFailThres = 4
	clk := clock.NewMock()
	cfg.Clock = clk

	transport := newFakeTransport(nil)
	probes := make(chan struct{}, 16)
	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		if sent.Type == MsgProbeReq {
			probes <- struct{}{}
		}
		return nil // nobody answers; every attempt fails
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := New(cfg, transport, nil)
		errCh <- err
	}()

	select {
	case <-probes:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial discovery attempt")
	}

	// min_delay, min_delay*2, min_delay*4 capped at max_delay.
	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond}
	for _, d := range expected {
		// Each failed attempt first waits out its broadcast response window,
		// which ends on a real-time context deadline, and only then arms its
		// backoff timer on the mock clock.
		time.Sleep(cfg.LocalDelivery.RespTimeout + 10*time.Millisecond)
		clk.Add(d - time.Millisecond)
		time.Sleep(3 * time.Millisecond)
		select {
		case <-probes:
			t.Fatalf("discovery attempt fired before the full %v backoff elapsed", d)
		default:
		}

		clk.Add(time.Millisecond)
		select {
		case <-probes:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for discovery attempt after %v backoff", d)
		}
	}

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("New did not return after exhausting discovery attempts")
	}
}

func TestCloseCompletesPendingRequests(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport(nil)
	gwAddr := LocalAddr{0x01}

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg {
		if sent.Type != MsgProbeReq {
			return nil
		}
		r := probeRes(gwAddr, 1)
		r.ReqID = sent.ID
		return []LocalMsg{r}
	}

	client, err := New(cfg, transport, nil)
	require.NoError(t, err)

	transport.respond = func(sent LocalMsg, ch uint16) []LocalMsg { return nil }

	done := make(chan *Error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.sendChecked(ctx, LocalMsg{Type: MsgPubSubUnsub}, false, false)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.Equal(t, CodeGenericFailure, err.Code)
	case <-time.After(time.Second):
		t.Fatal("pending request did not complete after Close")
	}
}
