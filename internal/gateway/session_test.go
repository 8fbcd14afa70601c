package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/auth"
)

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "admitted", StateAdmitted.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSessionOpenAnnouncesJoinOnce(t *testing.T) {
	g := newTestGateway(t, 3, tokenVerifier())
	_, alice := g.join(t, "alice")
	_, bob := g.join(t, "bob")

	assert.Equal(t, Event{Kind: EventNewUser, Identity: "bob"}, alice.next(t))

	s, carol := g.join(t, "carol")
	assert.Equal(t, StateAdmitted, s.State())
	id, ok := s.Identity()
	assert.True(t, ok)
	assert.Equal(t, auth.Identity("carol"), id)

	assert.Equal(t, Event{Kind: EventNewUser, Identity: "carol"}, alice.next(t))
	assert.Equal(t, Event{Kind: EventNewUser, Identity: "carol"}, bob.next(t))
	alice.expectNone(t, 50*time.Millisecond)
	bob.expectNone(t, 50*time.Millisecond)
	carol.expectNone(t, 50*time.Millisecond)
}

func TestSessionRejectedNeverJoins(t *testing.T) {
	g := newTestGateway(t, 2, tokenVerifier())
	_, alice := g.join(t, "alice")

	conn := newFakeConn("bad", 8)
	s := g.lifecycle.NewSession(conn)
	_, err := s.Open(context.Background(), TokenHandshake("garbage"))

	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Err(), ErrInvalidToken)
	assert.Equal(t, 1, g.registry.Count())
	assert.Equal(t, []auth.Identity{"alice"}, g.registry.Members())
	assert.False(t, conn.closed.Load(), "transport closes a rejected conn itself")

	alice.expectNone(t, 100*time.Millisecond)
	assert.ErrorIs(t, s.Chat(context.Background(), "sneaky"), ErrNotAdmitted)
	assert.False(t, s.Close(nil))
}

func TestSessionCloseAnnouncesLeave(t *testing.T) {
	g := newTestGateway(t, 2, tokenVerifier())
	_, alice := g.join(t, "alice")
	bobSession, bob := g.join(t, "bob")
	alice.next(t) // bob joined

	cause := errors.New("read: connection reset by peer")
	require.True(t, bobSession.Close(cause))

	assert.Equal(t, StateClosed, bobSession.State())
	assert.Equal(t, cause, bobSession.Err())
	assert.True(t, bob.closed.Load())
	assert.Equal(t, 1, g.registry.Count())
	assert.Equal(t, Event{Kind: EventUserLeft, Identity: "bob"}, alice.next(t))

	// Closed is terminal.
	assert.False(t, bobSession.Close(nil))
	assert.ErrorIs(t, bobSession.Chat(context.Background(), "ghost"), ErrNotAdmitted)
	_, err := bobSession.Open(context.Background(), TokenHandshake("token-bob"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	alice.expectNone(t, 100*time.Millisecond)
	select {
	case <-bobSession.Context().Done():
	default:
		t.Fatal("session context not cancelled")
	}
}

func TestSessionChat(t *testing.T) {
	g := newTestGateway(t, 2, tokenVerifier())
	aliceSession, alice := g.join(t, "alice")
	_, bob := g.join(t, "bob")
	alice.next(t)

	require.NoError(t, aliceSession.Chat(context.Background(), "hi"))

	assert.Equal(t, Event{Kind: EventChatMessage, Text: "alice: hi"}, alice.next(t))
	assert.Equal(t, Event{Kind: EventChatMessage, Text: "alice: hi"}, bob.next(t))
}

func TestSessionOpenTwice(t *testing.T) {
	g := newTestGateway(t, 2, tokenVerifier())
	s, _ := g.join(t, "alice")

	_, err := s.Open(context.Background(), TokenHandshake("token-alice"))
	assert.ErrorIs(t, err, ErrAlreadyOpened)
	assert.Equal(t, 1, g.registry.Count())
}

func TestSessionCloseDuringAdmission(t *testing.T) {
	v := newBlockingVerifier()
	g := newTestGateway(t, 1, v)

	s := g.lifecycle.NewSession(newFakeConn("a", 8))
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Open(context.Background(), TokenHandshake("token-alice"))
		errCh <- err
	}()

	require.Eventually(t, func() bool { return v.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g.registry.Count())

	require.True(t, s.Close(errors.New("peer went away")))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("Open did not return after Close")
	}
	assert.Zero(t, g.registry.Count())
	assert.Empty(t, g.presence.snapshot())
}

func TestSessionCapacityScenario(t *testing.T) {
	g := newTestGateway(t, 2, tokenVerifier())
	aSession, _ := g.join(t, "a")
	g.join(t, "b")

	c := g.lifecycle.NewSession(newFakeConn("conn-c", 8))
	_, err := c.Open(context.Background(), TokenHandshake("token-c"))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	aSession.Close(nil)
	assert.Equal(t, 1, g.registry.Count())

	retry := g.lifecycle.NewSession(newFakeConn("conn-c2", 8))
	_, err = retry.Open(context.Background(), TokenHandshake("token-c"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []auth.Identity{"b", "c"}, g.registry.Members())
}

func TestSessionPresence(t *testing.T) {
	g := newTestGateway(t, 1, tokenVerifier())
	s, _ := g.join(t, "alice")
	s.Touch()
	s.Close(nil)
	s.Touch()

	assert.Equal(t, []string{
		"online:alice:conn-alice",
		"refresh:alice:conn-alice",
		"offline:alice:conn-alice",
	}, g.presence.snapshot())
}

func TestSessionSlowPresenceDoesNotBlockState(t *testing.T) {
	g := newTestGateway(t, 2, tokenVerifier())
	s, _ := g.join(t, "alice")

	release := make(chan struct{})
	g.presence.block = release
	closed := make(chan struct{})
	go func() {
		s.Close(nil)
		close(closed)
	}()

	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Chat(context.Background(), "late"), ErrNotAdmitted)
	assert.Zero(t, g.registry.Count())

	select {
	case <-closed:
		t.Fatal("Close returned before the offline update finished")
	default:
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, []string{"online:alice:conn-alice", "offline:alice:conn-alice"}, g.presence.snapshot())
}

func TestSessionConcurrentChurn(t *testing.T) {
	const (
		maxClients = 4
		workers    = 32
	)
	g := newTestGateway(t, maxClients, tokenVerifier())

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := g.lifecycle.NewSession(newFakeConn(fmt.Sprintf("c%d", i), 256))
			if _, err := s.Open(context.Background(), TokenHandshake(fmt.Sprintf("token-u%d", i))); err != nil {
				assert.ErrorIs(t, err, ErrCapacityExceeded)
				return
			}
			assert.LessOrEqual(t, g.registry.Count(), maxClients)
			_ = s.Chat(context.Background(), "hello")
			s.Close(nil)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, g.registry.Count())
	assert.Empty(t, g.registry.Members())
}
