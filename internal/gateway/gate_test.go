package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/auth"
)

func TestGateAdmits(t *testing.T) {
	g := newTestGateway(t, 2, tokenVerifier())

	id, err := g.gate.Admit(context.Background(), newFakeConn("a", 1), TokenHandshake("token-alice"))
	require.NoError(t, err)
	assert.Equal(t, auth.Identity("alice"), id)
	assert.Equal(t, []auth.Identity{"alice"}, g.registry.Members())
}

func TestGateRejectsAtCapacity(t *testing.T) {
	g := newTestGateway(t, 1, tokenVerifier())
	_, err := g.gate.Admit(context.Background(), newFakeConn("a", 1), TokenHandshake("token-alice"))
	require.NoError(t, err)

	before := g.registry.Snapshot()
	_, err = g.gate.Admit(context.Background(), newFakeConn("b", 1), TokenHandshake("token-bob"))

	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, ReasonCapacity, Reason(err))
	assert.False(t, IsAuthFailure(err))
	assert.Equal(t, before, g.registry.Snapshot())
}

func TestGateReleasesSlotOnFailure(t *testing.T) {
	cases := []struct {
		name   string
		hs     Handshake
		target error
	}{
		{"nil handshake", nil, ErrMissingToken},
		{"empty token", TokenHandshake(""), ErrMissingToken},
		{"blank token", TokenHandshake("   "), ErrMissingToken},
		{"invalid token", TokenHandshake("garbage"), ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGateway(t, 1, tokenVerifier())

			_, err := g.gate.Admit(context.Background(), newFakeConn("a", 1), tc.hs)
			assert.ErrorIs(t, err, tc.target)
			assert.True(t, IsAuthFailure(err))
			assert.Zero(t, g.registry.Count())
			assert.Empty(t, g.registry.Members())

			// The released slot is usable again.
			_, err = g.gate.Admit(context.Background(), newFakeConn("b", 1), TokenHandshake("token-bob"))
			assert.NoError(t, err)
		})
	}
}

func TestGateInvalidTokenHidesCause(t *testing.T) {
	g := newTestGateway(t, 1, tokenVerifier())
	_, err := g.gate.Admit(context.Background(), newFakeConn("a", 1), TokenHandshake("garbage"))

	require.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid, "cause stays available to logs")
	assert.Equal(t, ReasonInvalidToken, Reason(err))
}

func TestGateRejectsEmptyIdentity(t *testing.T) {
	v := auth.VerifierFunc(func(context.Context, string) (auth.Identity, error) { return "", nil })
	g := newTestGateway(t, 1, v)

	_, err := g.gate.Admit(context.Background(), newFakeConn("a", 1), TokenHandshake("anything"))
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, g.registry.Count())
}

func TestGateHandshakeTimeout(t *testing.T) {
	stuck := auth.VerifierFunc(func(context.Context, string) (auth.Identity, error) {
		time.Sleep(time.Second)
		return "late", nil
	})
	g := newTestGateway(t, 1, stuck, WithHandshakeTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := g.gate.Admit(context.Background(), newFakeConn("a", 1), TokenHandshake("t"))

	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, g.registry.Count(), "timed out handshake must not hold a slot")
}

func TestGateCancelledContextCountsAsClosed(t *testing.T) {
	v := newBlockingVerifier()
	g := newTestGateway(t, 1, v)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.gate.Admit(ctx, newFakeConn("a", 1), TokenHandshake("token-a"))
		errCh <- err
	}()

	require.Eventually(t, func() bool { return v.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Zero(t, g.registry.Count())
}

func TestGateSlowVerificationDoesNotBlockOthers(t *testing.T) {
	slow := newBlockingVerifier()
	verifier := auth.VerifierFunc(func(ctx context.Context, token string) (auth.Identity, error) {
		if token == "token-slow" {
			return slow.Verify(ctx, token)
		}
		return tokenVerifier().Verify(ctx, token)
	})
	g := newTestGateway(t, 3, verifier)

	slowDone := make(chan error, 1)
	go func() {
		_, err := g.gate.Admit(context.Background(), newFakeConn("slow", 1), TokenHandshake("token-slow"))
		slowDone <- err
	}()
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := g.gate.Admit(context.Background(), newFakeConn("fast", 1), TokenHandshake("token-fast"))
	require.NoError(t, err)
	assert.Equal(t, 2, g.registry.Count(), "slow attempt holds a reserved slot")
	assert.Equal(t, []auth.Identity{"fast"}, g.registry.Members())

	close(slow.release)
	require.NoError(t, <-slowDone)
	assert.ElementsMatch(t, []auth.Identity{"fast", "slow"}, g.registry.Members())
}

func TestGateConcurrentAdmissions(t *testing.T) {
	const (
		maxClients = 5
		attempts   = 40
	)
	v := newBlockingVerifier()
	g := newTestGateway(t, maxClients, v)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i), 1)
			_, err := g.gate.Admit(context.Background(), conn, TokenHandshake(fmt.Sprintf("token-u%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return
			}
			assert.ErrorIs(t, err, ErrCapacityExceeded)
			rejected++
		}(i)
	}

	// Every reservation is held while verification is blocked.
	require.Eventually(t, func() bool { return v.calls.Load() == maxClients }, time.Second, 5*time.Millisecond)
	assert.Equal(t, maxClients, g.registry.Count())
	close(v.release)
	wg.Wait()

	assert.Equal(t, maxClients, admitted)
	assert.Equal(t, attempts-maxClients, rejected)
	assert.Equal(t, maxClients, g.registry.Count())
	assert.Len(t, g.registry.Members(), maxClients)
}
