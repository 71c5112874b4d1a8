package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostCandidate = "candidate:1 1 udp 2130706431 1.2.3.4 5000 typ host"

func TestValidateCandidate(t *testing.T) {
	assert.NoError(t, validateCandidate(hostCandidate))
	assert.NoError(t, validateCandidate("1 1 udp 2130706431 1.2.3.4 5000 typ host"))
	assert.Error(t, validateCandidate("bogus"))
}

func TestCandidateConversion(t *testing.T) {
	in := domain.ICECandidate{Candidate: hostCandidate, SDPMid: "0", SDPMLineIndex: 1}
	init := toCandidateInit(in)
	require.NotNil(t, init.SDPMid)
	require.NotNil(t, init.SDPMLineIndex)
	assert.Equal(t, "0", *init.SDPMid)
	assert.Equal(t, uint16(1), *init.SDPMLineIndex)
	assert.Equal(t, in, fromCandidateInit(init))

	noMid := toCandidateInit(domain.ICECandidate{Candidate: hostCandidate})
	assert.Nil(t, noMid.SDPMid)
}

func TestPeerStateMapping(t *testing.T) {
	assert.Equal(t, domain.PeerStateConnected, peerState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, domain.PeerStateFailed, peerState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, domain.PeerStateNew, peerState(webrtc.PeerConnectionStateUnknown))
	assert.True(t, peerState(webrtc.PeerConnectionStateDisconnected).Terminal())
}

func TestChannelStateMapping(t *testing.T) {
	assert.Equal(t, domain.ChannelConnecting, channelState(webrtc.DataChannelStateUnknown))
	assert.Equal(t, domain.ChannelOpen, channelState(webrtc.DataChannelStateOpen))
	assert.Equal(t, domain.ChannelClosed, channelState(webrtc.DataChannelStateClosed))
}

func TestEngineRejectsMalformedCandidate(t *testing.T) {
	e, err := NewEngine(Options{})
	require.NoError(t, err)
	defer e.Close()

	err = e.AddICECandidate(context.Background(), domain.ICECandidate{Candidate: "bogus"})
	assert.ErrorIs(t, err, core.ErrCandidateMalformed)
}

func TestEngineQueuesCandidatesBeforeRemoteDescription(t *testing.T) {
	e, err := NewEngine(Options{})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	require.NoError(t, e.AddICECandidate(ctx, domain.ICECandidate{Candidate: hostCandidate}))
	require.NoError(t, e.AddICECandidate(ctx, domain.ICECandidate{}))

	e.mu.Lock()
	assert.Len(t, e.pending, 1)
	e.mu.Unlock()
}

func TestEngineRejectsUnparsableDescription(t *testing.T) {
	e, err := NewEngine(Options{})
	require.NoError(t, err)
	defer e.Close()

	err = e.ApplyDescription(context.Background(), domain.NewOffer("not an sdp"))
	assert.Error(t, err)
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	e, err := NewEngine(Options{ReceiveVideo: true, ReceiveAudio: true})
	require.NoError(t, err)

	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())

	ctx := context.Background()
	assert.ErrorIs(t, e.CreateOffer(ctx), ErrEngineClosed)
	assert.ErrorIs(t, e.AddICECandidate(ctx, domain.ICECandidate{Candidate: hostCandidate}), ErrEngineClosed)
}

func TestEngineOfferAdvertisesReceiveOnlyMedia(t *testing.T) {
	e, err := NewEngine(Options{ReceiveVideo: true, ReceiveAudio: true})
	require.NoError(t, err)
	defer e.Close()

	got := make(chan domain.SessionDescription, 1)
	e.OnLocalDescription(func(d domain.SessionDescription) { got <- d })
	require.NoError(t, e.CreateOffer(context.Background()))

	select {
	case d := <-got:
		assert.Equal(t, domain.SDPTypeOffer, d.Type)
		assert.Contains(t, d.SDP, "m=video")
		assert.Contains(t, d.SDP, "m=audio")
		assert.Contains(t, d.SDP, "a=recvonly")
	case <-time.After(5 * time.Second):
		t.Fatal("no local offer")
	}

	// A second request while the first offer is pending is a no-op.
	require.NoError(t, e.CreateOffer(context.Background()))
	select {
	case <-got:
		t.Fatal("duplicate offer")
	case <-time.After(100 * time.Millisecond):
	}
}

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "1.2.3.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	a, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"1.2.3.4"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(a))

	b, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"1.2.3.5"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(b))

	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return a, b
}

// crossWire delivers each engine's descriptions and candidates to the other.
func crossWire(ctx context.Context, a, b *Engine) {
	a.OnLocalDescription(func(d domain.SessionDescription) {
		go func() { _ = b.ApplyDescription(ctx, d) }()
	})
	b.OnLocalDescription(func(d domain.SessionDescription) {
		go func() { _ = a.ApplyDescription(ctx, d) }()
	})
	a.OnICECandidate(func(c domain.ICECandidate) {
		go func() { _ = b.AddICECandidate(ctx, c) }()
	})
	b.OnICECandidate(func(c domain.ICECandidate) {
		go func() { _ = a.AddICECandidate(ctx, c) }()
	})
}

func openChannel(t *testing.T, e *Engine, label string) (core.DataChannel, <-chan struct{}) {
	t.Helper()
	dc, err := e.CreateDataChannel(label)
	require.NoError(t, err)
	opened := make(chan struct{})
	var once sync.Once
	dc.OnStateChange(func(s domain.ChannelState) {
		if s == domain.ChannelOpen {
			once.Do(func() { close(opened) })
		}
	})
	return dc, opened
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(20 * time.Second):
		t.Fatal(what)
	}
}

func TestEnginesConnectOverVirtualNetwork(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	netA, netB := newVNetPair(t)
	ctx := context.Background()

	offerer, err := NewEngine(Options{Net: netA})
	require.NoError(t, err)
	defer offerer.Close()

	answerer, err := NewEngine(Options{Net: netB, Polite: true})
	require.NoError(t, err)
	defer answerer.Close()

	crossWire(ctx, offerer, answerer)

	connected := make(chan struct{})
	var once sync.Once
	offerer.OnStateChange(func(s domain.PeerState) {
		if s == domain.PeerStateConnected {
			once.Do(func() { close(connected) })
		}
	})

	dc, opened := openChannel(t, offerer, "data")
	assert.Equal(t, domain.ChannelConnecting, dc.State())

	require.NoError(t, offerer.CreateOffer(ctx))

	waitFor(t, connected, "peer never connected")
	waitFor(t, opened, "data channel never opened")

	assert.Equal(t, domain.ChannelOpen, dc.State())
	assert.NoError(t, dc.SendText("ping"))
}

func TestPoliteEngineDefersOfferUntilImpolite(t *testing.T) {
	e, err := NewEngine(Options{Polite: true, ReceiveVideo: true})
	require.NoError(t, err)
	defer e.Close()

	got := make(chan domain.SessionDescription, 2)
	e.OnLocalDescription(func(d domain.SessionDescription) { got <- d })

	require.NoError(t, e.CreateOffer(context.Background()))
	select {
	case <-got:
		t.Fatal("polite engine offered before any negotiation")
	case <-time.After(100 * time.Millisecond):
	}

	e.SetPolite(false)
	select {
	case d := <-got:
		assert.Equal(t, domain.SDPTypeOffer, d.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("held offer not released")
	}
}

func TestEnginesResolveSimultaneousOffers(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	netA, netB := newVNetPair(t)
	ctx := context.Background()

	// Both start polite, as clients do before the relay answers.
	a, err := NewEngine(Options{Net: netA, Polite: true})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewEngine(Options{Net: netB, Polite: true})
	require.NoError(t, err)
	defer b.Close()

	crossWire(ctx, a, b)

	dcA, openA := openChannel(t, a, "data")
	dcB, openB := openChannel(t, b, "data")

	fromA := make(chan string, 1)
	dcB.OnMessage(func(p []byte) { fromA <- string(p) })

	var wg sync.WaitGroup
	for _, e := range []*Engine{a, b} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			assert.NoError(t, e.CreateOffer(ctx))
		}(e)
	}
	wg.Wait()

	// The relay makes the second participant impolite.
	b.SetPolite(false)

	waitFor(t, openA, "data channel a never opened")
	waitFor(t, openB, "data channel b never opened")

	require.NoError(t, dcA.SendText("hello"))
	select {
	case msg := <-fromA:
		assert.Equal(t, "hello", msg)
	case <-time.After(10 * time.Second):
		t.Fatal("message over the remote channel not delivered")
	}
}

func TestImpoliteEngineIgnoresCollidingOffer(t *testing.T) {
	ctx := context.Background()
	a, err := NewEngine(Options{ReceiveVideo: true})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewEngine(Options{ReceiveVideo: true})
	require.NoError(t, err)
	defer b.Close()

	fromA := make(chan domain.SessionDescription, 1)
	fromB := make(chan domain.SessionDescription, 1)
	a.OnLocalDescription(func(d domain.SessionDescription) { fromA <- d })
	b.OnLocalDescription(func(d domain.SessionDescription) { fromB <- d })

	require.NoError(t, a.CreateOffer(ctx))
	require.NoError(t, b.CreateOffer(ctx))
	<-fromA
	offerB := <-fromB

	assert.NoError(t, a.ApplyDescription(ctx, offerB))
	select {
	case d := <-fromA:
		t.Fatalf("impolite engine answered a colliding offer: %s", d.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoliteEngineRejectsCollisionDuringRenegotiation(t *testing.T) {
	ctx := context.Background()
	polite, err := NewEngine(Options{Polite: true, ReceiveVideo: true})
	require.NoError(t, err)
	defer polite.Close()
	impolite, err := NewEngine(Options{ReceiveVideo: true})
	require.NoError(t, err)
	defer impolite.Close()

	fromPolite := make(chan domain.SessionDescription, 2)
	fromImpolite := make(chan domain.SessionDescription, 2)
	polite.OnLocalDescription(func(d domain.SessionDescription) { fromPolite <- d })
	impolite.OnLocalDescription(func(d domain.SessionDescription) { fromImpolite <- d })

	require.NoError(t, impolite.CreateOffer(ctx))
	require.NoError(t, polite.ApplyDescription(ctx, <-fromImpolite))
	require.NoError(t, impolite.ApplyDescription(ctx, <-fromPolite))

	// Both renegotiate at once; the polite side cannot roll back.
	require.NoError(t, polite.CreateOffer(ctx))
	require.Equal(t, domain.SDPTypeOffer, (<-fromPolite).Type)
	require.NoError(t, impolite.CreateOffer(ctx))

	err = polite.ApplyDescription(ctx, <-fromImpolite)
	assert.ErrorIs(t, err, ErrOfferCollision)
}
