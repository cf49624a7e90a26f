package ssenotify

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStreamSinkSlowClient(t *testing.T) {
	s := newStreamSink(2)
	require.NoError(t, s.Write(Frame{Event: "a"}))
	require.NoError(t, s.Write(Frame{Event: "b"}))
	assert.ErrorIs(t, s.Write(Frame{Event: "c"}), ErrSlowClient)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(Frame{Event: "d"}), ErrSinkClosed)

	g := newStreamSink(1)
	g.markGone()
	g.markGone()
	assert.ErrorIs(t, g.Write(Frame{}), ErrSinkClosed)
	select {
	case <-g.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestStreamRegisterFailureHidesCause(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	cfg := testConfig()
	cfg.Logger = zap.New(core)
	b, _ := newTestBroker(t, cfg, &fakeDialer{})
	// An unbuffered sink cannot take the connected frame.
	b.cfg.HTTP.ClientBuffer = 0

	rec := httptest.NewRecorder()
	b.handleStream().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error\n", rec.Body.String())
	assert.NotContains(t, rec.Body.String(), ErrSlowClient.Error())

	entries := logs.FilterMessage("register stream client").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], ErrSlowClient.Error())
	assert.Zero(t, b.Stats().ActiveClients)
}
