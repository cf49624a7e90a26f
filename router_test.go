package ssenotify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routeFixture struct {
	b                *Broker
	d1u1, d2u1, d3u2 *testSink
	anon             *testSink
}

func newRouteFixture(t *testing.T) *routeFixture {
	t.Helper()
	b, _ := newTestBroker(t, testConfig(), &fakeDialer{})
	f := &routeFixture{
		b:    b,
		d1u1: newTestSink(),
		d2u1: newTestSink(),
		d3u2: newTestSink(),
		anon: newTestSink(),
	}
	for _, c := range []struct {
		device, user string
		sink         *testSink
	}{
		{"d1", "u1", f.d1u1},
		{"d2", "u1", f.d2u1},
		{"d3", "u2", f.d3u2},
		{"", "", f.anon},
	} {
		_, err := b.RegisterClient(c.device, c.user, c.sink)
		require.NoError(t, err)
	}
	return f
}

func TestRouteByDevice(t *testing.T) {
	f := newRouteFixture(t)

	n := f.b.BroadcastToDevice("d1", "order.updated", json.RawMessage(`{"id":1}`))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.d1u1.count("order.updated"))
	assert.JSONEq(t, `{"id":1}`, string(f.d1u1.last().Data))
	for _, s := range []*testSink{f.d2u1, f.d3u2, f.anon} {
		assert.Zero(t, s.count("order.updated"))
	}
}

func TestRouteByUser(t *testing.T) {
	f := newRouteFixture(t)

	assert.Equal(t, 2, f.b.BroadcastToUser("u1", "profile", nil))
	assert.Equal(t, 1, f.d1u1.count("profile"))
	assert.Equal(t, 1, f.d2u1.count("profile"))
	assert.Zero(t, f.d3u2.count("profile"))
	assert.Zero(t, f.anon.count("profile"))
}

func TestRouteUntargetedReachesEveryone(t *testing.T) {
	f := newRouteFixture(t)

	assert.Equal(t, 4, f.b.BroadcastToAll("announce", json.RawMessage(`"hi"`)))
	for _, s := range []*testSink{f.d1u1, f.d2u1, f.d3u2, f.anon} {
		assert.Equal(t, []string{EventConnected, "announce"}, s.events())
	}
}

func TestRouteDevicePrecedesUser(t *testing.T) {
	f := newRouteFixture(t)

	var n int
	f.b.do(func() { n = f.b.route(NotifyPayload{EventType: "x", DeviceID: "d3", UserID: "u1"}) })
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.d3u2.count("x"))
	assert.Zero(t, f.d1u1.count("x"))
}

func TestRouteUnknownTargets(t *testing.T) {
	f := newRouteFixture(t)

	assert.Zero(t, f.b.BroadcastToDevice("nope", "x", nil))
	assert.Zero(t, f.b.BroadcastToUser("nope", "x", nil))
	assert.Zero(t, f.b.BroadcastToDevice("", "x", nil), "empty device id is not a broadcast")
	assert.Zero(t, f.b.BroadcastToUser("", "x", nil))

	stats := f.b.Stats()
	assert.Equal(t, uint64(2), stats.EventsRouted)
	assert.Zero(t, stats.FramesDelivered)
}

func TestBroadcastRejectsBadEventType(t *testing.T) {
	f := newRouteFixture(t)

	assert.Zero(t, f.b.BroadcastToAll("", nil))
	assert.Zero(t, f.b.BroadcastToAll("a\nevent: injected", nil))
	assert.Zero(t, f.b.Stats().EventsRouted)
	assert.Equal(t, []string{EventConnected}, f.anon.events())
}

func TestBroadcastRejectsInvalidData(t *testing.T) {
	f := newRouteFixture(t)

	assert.Zero(t, f.b.BroadcastToAll("x", json.RawMessage("{not json")))
	assert.Zero(t, f.b.BroadcastToDevice("d1", "x", json.RawMessage(`{"a":`)))
	assert.Zero(t, f.b.Stats().EventsRouted)
	assert.Equal(t, []string{EventConnected}, f.anon.events())
}

func TestBroadcastCompactsData(t *testing.T) {
	f := newRouteFixture(t)

	assert.Equal(t, 4, f.b.BroadcastToAll("x", json.RawMessage("{\r\"a\": 1,\r\n\"b\": [1, 2]}")))
	assert.Equal(t, `{"a":1,"b":[1,2]}`, string(f.anon.last().Data))
}

func TestFailedWriteEvictsOnlyThatClient(t *testing.T) {
	f := newRouteFixture(t)
	f.d2u1.setFail(true)

	assert.Equal(t, 3, f.b.BroadcastToAll("first", nil))
	assert.Equal(t, 1, f.d2u1.closeCount())

	stats := f.b.Stats()
	assert.Equal(t, 3, stats.ActiveClients)
	assert.Equal(t, uint64(1), stats.WriteFailures)

	// The evicted client is out of the registry and its indexes.
	f.d2u1.setFail(false)
	assert.Equal(t, 1, f.b.BroadcastToUser("u1", "second", nil))
	assert.Zero(t, f.d2u1.count("second"))
	assert.Zero(t, f.b.BroadcastToDevice("d2", "third", nil))

	stats = f.b.Stats()
	assert.Equal(t, uint64(1), stats.WriteFailures)
	assert.Equal(t, uint64(3), stats.EventsRouted)
	assert.Equal(t, uint64(4), stats.FramesDelivered)
	assert.Equal(t, 1, f.d2u1.closeCount())
}

func TestRouteUpdatesLastActivity(t *testing.T) {
	b, clk := newTestBroker(t, testConfig(), &fakeDialer{})
	_, err := b.RegisterClient("d1", "", newTestSink())
	require.NoError(t, err)

	clk.Advance(1500 * time.Millisecond)
	b.BroadcastToDevice("d1", "x", nil)

	c := b.Clients()[0]
	assert.Equal(t, epoch, c.ConnectedAt)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), c.LastActivityAt)
	assert.Equal(t, int64(1500), c.DurationMs)
}
