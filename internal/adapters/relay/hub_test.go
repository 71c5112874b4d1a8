package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/renderstream/internal/adapters/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	id   string
	mu   sync.Mutex
	msgs []signal.Message
}

func (i *inbox) ID() string { return i.id }

func (i *inbox) Deliver(m signal.Message) {
	i.mu.Lock()
	i.msgs = append(i.msgs, m)
	i.mu.Unlock()
}

func (i *inbox) all() []signal.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]signal.Message(nil), i.msgs...)
}

func newPair(t *testing.T) (*Hub, *inbox, *inbox) {
	t.Helper()
	h := NewHub()
	a, b := &inbox{id: "a"}, &inbox{id: "b"}
	h.Register(a)
	h.Register(b)

	polite, err := h.Connect("a", "conn")
	require.NoError(t, err)
	assert.True(t, polite)
	polite, err = h.Connect("b", "conn")
	require.NoError(t, err)
	assert.False(t, polite)
	return h, a, b
}

func TestHubPairsTwoParticipants(t *testing.T) {
	h, _, _ := newPair(t)
	assert.Equal(t, 2, h.Members("conn"))

	h.Register(&inbox{id: "c"})
	_, err := h.Connect("c", "conn")
	assert.ErrorIs(t, err, ErrConnectionFull)

	polite, err := h.Connect("a", "conn")
	require.NoError(t, err)
	assert.True(t, polite, "reconnecting keeps the role")

	_, err = h.Connect("ghost", "conn")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestHubForwardsToOtherParticipant(t *testing.T) {
	h, a, b := newPair(t)

	require.NoError(t, h.Forward("a", signal.TypeOffer, signal.Payload{ConnectionID: "conn", SDP: "offer"}))
	require.NoError(t, h.Forward("b", signal.TypeAnswer, signal.Payload{ConnectionID: "conn", SDP: "answer"}))

	got := b.all()
	require.Len(t, got, 1)
	assert.Equal(t, signal.TypeOffer, got[0].Type)
	assert.Equal(t, "offer", got[0].SDP)
	assert.False(t, got[0].Polite)
	assert.NotZero(t, got[0].Datetime)

	got = a.all()
	require.Len(t, got, 1)
	assert.Equal(t, signal.TypeAnswer, got[0].Type)

	assert.ErrorIs(t, h.Forward("a", signal.TypeOffer, signal.Payload{ConnectionID: "nope"}), ErrNotConnected)
}

func TestHubDisconnectNotifiesRemaining(t *testing.T) {
	h, a, b := newPair(t)

	require.NoError(t, h.Disconnect("a", "conn"))
	got := b.all()
	require.Len(t, got, 1)
	assert.Equal(t, signal.TypeDisconnect, got[0].Type)
	assert.Equal(t, "conn", got[0].ConnectionID)

	assert.ErrorIs(t, h.Forward("b", signal.TypeOffer, signal.Payload{ConnectionID: "conn"}), ErrNoPeer)
	assert.ErrorIs(t, h.Disconnect("a", "conn"), ErrNotConnected)

	// a rejoins and takes the polite role again.
	polite, err := h.Connect("a", "conn")
	require.NoError(t, err)
	assert.True(t, polite)
	assert.Empty(t, a.all())
}

func TestHubLeaveDisconnectsEverything(t *testing.T) {
	h, _, b := newPair(t)

	h.Leave("a")
	assert.Equal(t, 1, h.Members("conn"))
	require.Len(t, b.all(), 1)

	h.Leave("b")
	assert.Equal(t, 0, h.Members("conn"))
}

func TestMailboxDrains(t *testing.T) {
	mb := newMailbox("m")
	mb.Deliver(signal.Message{Type: signal.TypeOffer, Datetime: 10})
	mb.Deliver(signal.Message{Type: signal.TypeCandidate, Datetime: 20})

	got := mb.Take(15)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, signal.TypeCandidate, got.Messages[0].Type)
	assert.NotZero(t, got.Datetime)

	assert.Empty(t, mb.Take(0).Messages)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(100, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("k"))
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))
	assert.True(t, rl.Allow("other"))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("k"))

	rl.Forget("k")
	assert.True(t, rl.Allow("k"))
	assert.True(t, rl.Allow("k"))
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Second)
	for range 100 {
		assert.True(t, rl.Allow("k"))
	}
}

func TestServerExpiresIdleSessions(t *testing.T) {
	s := NewServer(Config{SessionTTL: time.Minute})
	mb := newMailbox("idle")
	s.mailboxes["idle"] = mb
	s.hub.Register(mb)

	s.expire(time.Now())
	assert.True(t, s.HasSession("idle"))

	s.expire(time.Now().Add(2 * time.Minute))
	assert.False(t, s.HasSession("idle"))
}
