package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchmesh/sketchmesh/pkg/signal"
)

// signalCapture collects the negotiation messages a manager emits. Tests
// shuttle them between managers by hand; no relay, no network.
type signalCapture struct {
	mu       sync.Mutex
	messages []signal.Message
}

func (c *signalCapture) send(msg signal.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

// take removes and returns the first captured message of a type, if any.
func (c *signalCapture) take(msgType string) (signal.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, msg := range c.messages {
		if msg.Type == msgType {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return msg, true
		}
	}
	return signal.Message{}, false
}

func newTestManager(t *testing.T, peerID string, capture *signalCapture) *PeerManager {
	t.Helper()
	m := NewPeerManager(PeerManagerConfig{
		LocalPeerID: peerID,
		ICEServers:  []webrtc.ICEServer{}, // host candidates only
		SendSignal:  capture.send,
	})
	t.Cleanup(m.Close)
	return m
}

func TestInitiateLinkSendsOffer(t *testing.T) {
	capture := &signalCapture{}
	m := newTestManager(t, "peer-a", capture)

	require.NoError(t, m.InitiateLink("peer-b"))

	assert.True(t, m.HasLink("peer-b"))
	assert.True(t, m.IsInitiator("peer-b"))
	assert.Equal(t, 1, m.PeerCount())

	offer, found := capture.take(signal.TypeOffer)
	require.True(t, found, "initiating must emit an OFFER")
	assert.Equal(t, "peer-b", offer.TargetUserID)
	assert.NotEmpty(t, offer.Offer)
}

func TestInitiateLinkIsIdempotent(t *testing.T) {
	capture := &signalCapture{}
	m := newTestManager(t, "peer-a", capture)

	require.NoError(t, m.InitiateLink("peer-b"))
	require.NoError(t, m.InitiateLink("peer-b"))

	assert.Equal(t, 1, m.PeerCount(), "a second initiate must not create a second link")
}

func TestOfferAnswerExchange(t *testing.T) {
	captureA := &signalCapture{}
	captureB := &signalCapture{}
	a := newTestManager(t, "peer-a", captureA)
	b := newTestManager(t, "peer-b", captureB)

	require.NoError(t, a.InitiateLink("peer-b"))
	offer, found := captureA.take(signal.TypeOffer)
	require.True(t, found)

	require.NoError(t, b.HandleOffer("peer-a", offer.Offer))
	assert.True(t, b.HasLink("peer-a"))
	assert.False(t, b.IsInitiator("peer-a"), "the offered side responds, it never initiates")

	answer, found := captureB.take(signal.TypeAnswer)
	require.True(t, found, "handling an offer must emit an ANSWER")
	assert.Equal(t, "peer-a", answer.TargetUserID)

	require.NoError(t, a.HandleAnswer("peer-b", answer.Answer))
}

func TestGlareTieBreaker(t *testing.T) {
	captureA := &signalCapture{}
	captureB := &signalCapture{}
	a := newTestManager(t, "peer-a", captureA)
	b := newTestManager(t, "peer-b", captureB)

	// Both sides offer at once (cannot happen under the join-order rule).
	require.NoError(t, a.InitiateLink("peer-b"))
	require.NoError(t, b.InitiateLink("peer-a"))
	offerFromA, _ := captureA.take(signal.TypeOffer)
	offerFromB, _ := captureB.take(signal.TypeOffer)

	// Lower peer ID keeps its own offer and ignores the incoming one.
	require.NoError(t, a.HandleOffer("peer-b", offerFromB.Offer))
	assert.True(t, a.IsInitiator("peer-b"))
	_, answered := captureA.take(signal.TypeAnswer)
	assert.False(t, answered, "the winning side must not answer")

	// Higher peer ID yields: it drops its attempt and answers.
	require.NoError(t, b.HandleOffer("peer-a", offerFromA.Offer))
	assert.False(t, b.IsInitiator("peer-a"))
	answer, found := captureB.take(signal.TypeAnswer)
	require.True(t, found)
	require.NoError(t, a.HandleAnswer("peer-b", answer.Answer))
}

func TestGlareYieldKeepsReplacementLink(t *testing.T) {
	captureA := &signalCapture{}
	captureB := &signalCapture{}
	a := newTestManager(t, "peer-a", captureA)

	var closed atomic.Int32
	b := NewPeerManager(PeerManagerConfig{
		LocalPeerID:  "peer-b",
		ICEServers:   []webrtc.ICEServer{},
		SendSignal:   captureB.send,
		OnPeerClosed: func(string) { closed.Add(1) },
	})
	t.Cleanup(b.Close)

	require.NoError(t, a.InitiateLink("peer-b"))
	require.NoError(t, b.InitiateLink("peer-a"))
	offerFromA, found := captureA.take(signal.TypeOffer)
	require.True(t, found)

	// peer-b yields: its own attempt is torn down and replaced by a
	// responder link.
	require.NoError(t, b.HandleOffer("peer-a", offerFromA.Offer))
	require.True(t, b.HasLink("peer-a"))
	assert.False(t, b.IsInitiator("peer-a"))

	// The yielded connection closes asynchronously; its state callback must
	// neither evict the responder link nor report the peer as closed.
	assert.Never(t, func() bool {
		return !b.HasLink("peer-a") || closed.Load() != 0
	}, 500*time.Millisecond, 25*time.Millisecond)
}

func TestCandidateBeforeRemoteDescriptionIsQueued(t *testing.T) {
	captureA := &signalCapture{}
	captureB := &signalCapture{}
	a := newTestManager(t, "peer-a", captureA)
	b := newTestManager(t, "peer-b", captureB)

	require.NoError(t, a.InitiateLink("peer-b"))
	offer, _ := captureA.take(signal.TypeOffer)
	require.NoError(t, b.HandleOffer("peer-a", offer.Offer))

	// A candidate arriving at the initiator before the answer must be
	// queued, not rejected.
	candidate := []byte(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 41234 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	require.NoError(t, a.HandleCandidate("peer-b", candidate))

	answer, found := captureB.take(signal.TypeAnswer)
	require.True(t, found)
	require.NoError(t, a.HandleAnswer("peer-b", answer.Answer))
}

func TestHandleAnswerFromUnknownPeerFails(t *testing.T) {
	capture := &signalCapture{}
	m := newTestManager(t, "peer-a", capture)

	err := m.HandleAnswer("ghost", []byte(`{"type":"answer","sdp":""}`))
	assert.Error(t, err)
}

func TestSendToPeerWithoutOpenChannelFails(t *testing.T) {
	capture := &signalCapture{}
	m := newTestManager(t, "peer-a", capture)

	require.NoError(t, m.InitiateLink("peer-b"))
	err := m.SendToPeer("peer-b", Envelope{Type: TypeRequestProject})
	assert.Error(t, err, "the channel is still negotiating")
	assert.Empty(t, m.OpenPeers())
}

func TestRemovePeerFiresClosedOnce(t *testing.T) {
	capture := &signalCapture{}
	closed := 0
	m := NewPeerManager(PeerManagerConfig{
		LocalPeerID:  "peer-a",
		ICEServers:   []webrtc.ICEServer{},
		SendSignal:   capture.send,
		OnPeerClosed: func(string) { closed++ },
	})
	t.Cleanup(m.Close)

	require.NoError(t, m.InitiateLink("peer-b"))
	m.RemovePeer("peer-b")
	m.RemovePeer("peer-b")

	assert.Equal(t, 1, closed)
	assert.False(t, m.HasLink("peer-b"))
}
