package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/piwi3910/trafficweave/internal/events"
	"github.com/piwi3910/trafficweave/internal/intersection"
)

func newForwarder(t *testing.T, cfg *events.ForwarderConfig) *events.BridgeForwarder {
	t.Helper()
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	f, err := events.NewBridgeForwarder(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestNewBridgeForwarder(t *testing.T) {
	_, err := events.NewBridgeForwarder(nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = events.NewBridgeForwarder(&events.ForwarderConfig{}, nil)
	assert.Error(t, err)
}

func TestBridgeForwarder_Target(t *testing.T) {
	f := newForwarder(t, &events.ForwarderConfig{
		Targets:    map[string]string{"int-fc1": "http://by-name", "fc2": "http://by-id"},
		DefaultURL: "http://default",
	})

	s := sampleState("fc1")
	assert.Equal(t, "http://by-name", f.Target(&s))
	s = sampleState("fc2")
	assert.Equal(t, "http://by-id", f.Target(&s))
	s = sampleState("fc3")
	assert.Equal(t, "http://default", f.Target(&s))
}

func TestBridgeForwarder_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the light pair", func(t *testing.T) {
		var got events.LightPayload
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		f := newForwarder(t, &events.ForwarderConfig{DefaultURL: server.URL})
		event := events.FromChange(intersection.Change{Type: intersection.ChangeUpdated, Intersection: sampleState("fc1")})
		require.NoError(t, f.Publish(ctx, event))

		assert.Equal(t, int32(1), hits.Load())
		assert.Equal(t, events.LightPayload{Light1: "green", Light2: "red"}, got)
	})

	t.Run("ignores deletes and connection events", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
		}))
		defer server.Close()

		f := newForwarder(t, &events.ForwarderConfig{DefaultURL: server.URL})
		require.NoError(t, f.Publish(ctx, events.FromChange(intersection.Change{Type: intersection.ChangeDeleted, Intersection: sampleState("fc1")})))
		require.NoError(t, f.Publish(ctx, events.NewConnectionEvent(events.ConnectionState{Connected: true})))
		assert.Zero(t, hits.Load())
	})

	t.Run("no target is a no-op", func(t *testing.T) {
		f := newForwarder(t, &events.ForwarderConfig{})
		event := events.FromChange(intersection.Change{Type: intersection.ChangeUpdated, Intersection: sampleState("fc1")})
		assert.NoError(t, f.Publish(ctx, event))
	})
}

func TestBridgeForwarder_Retries(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		f := newForwarder(t, &events.ForwarderConfig{DefaultURL: server.URL, MaxRetries: 3})
		s := sampleState("fc1")
		require.NoError(t, f.Forward(ctx, &s))
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("fails after max retries", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("Error"))
		}))
		defer server.Close()

		f := newForwarder(t, &events.ForwarderConfig{DefaultURL: server.URL, MaxRetries: 2})
		s := sampleState("fc1")
		err := f.Forward(ctx, &s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		f := newForwarder(t, &events.ForwarderConfig{DefaultURL: server.URL, MaxRetries: 5, InitialBackoff: time.Hour})
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		s := sampleState("fc1")
		err := f.Forward(cctx, &s)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestBridgeForwarder_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := newForwarder(t, &events.ForwarderConfig{DefaultURL: server.URL, MaxRetries: 3})
	s := sampleState("fc1")
	ctx := context.Background()

	require.Error(t, f.Forward(ctx, &s))
	err := f.Forward(ctx, &s)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), hits.Load())

	err = f.Forward(ctx, &s)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), hits.Load())
}
