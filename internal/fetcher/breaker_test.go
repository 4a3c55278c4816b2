package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostBreakerOpensAfterThreshold(t *testing.T) {
	b := newHostBreaker(3, time.Minute)
	failure := eris.New("connection refused")

	for range 2 {
		require.True(t, b.allow())
		b.record("example.org", failure)
	}
	assert.True(t, b.allow(), "below threshold stays closed")

	b.record("example.org", failure)
	assert.False(t, b.allow(), "threshold reached opens the circuit")
}

func TestHostBreakerProbesAfterReset(t *testing.T) {
	b := newHostBreaker(1, time.Minute)
	now := time.Now()
	b.nowFunc = func() time.Time { return now }

	b.record("example.org", eris.New("timeout"))
	require.False(t, b.allow())

	// Before the reset timeout the host stays blocked.
	now = now.Add(30 * time.Second)
	assert.False(t, b.allow())

	// After the timeout one probe is admitted.
	now = now.Add(31 * time.Second)
	assert.True(t, b.allow())

	// A failed probe reopens immediately.
	b.record("example.org", eris.New("timeout"))
	assert.False(t, b.allow())
}

func TestHostBreakerClosesOnSuccess(t *testing.T) {
	b := newHostBreaker(1, time.Nanosecond)

	b.record("example.org", eris.New("timeout"))
	require.Eventually(t, b.allow, 50*time.Millisecond, time.Millisecond)

	b.record("example.org", nil)
	assert.True(t, b.allow())
	assert.Equal(t, breakerClosed, b.state)
}

func TestFetchSkipsOpenHost(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(Options{
		MaxRetries:       2,
		PerHostRate:      1000,
		BreakerThreshold: 1,
		BreakerReset:     time.Hour,
	})

	_, err := f.Fetch(context.Background(), srv.URL+"/a")
	require.Error(t, err)
	require.Equal(t, 2, calls)

	_, err = f.Fetch(context.Background(), srv.URL+"/b")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrHostOpen))
	assert.Equal(t, 2, calls, "open circuit must not reach the host")
}
