package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/sketchmesh/sketchmesh/pkg/signal"
)

// DefaultICEServers are used when the config leaves the list nil. An
// explicitly empty list disables STUN for LAN-only host candidates.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// dataChannelID is the fixed negotiated channel identifier. Both sides create
// the channel with this ID, so no announcement round trip is needed.
const dataChannelID uint16 = 0

// SignalSender forwards a negotiation message to the relay.
type SignalSender func(msg signal.Message) error

// PeerManagerConfig wires a PeerManager to its surroundings.
type PeerManagerConfig struct {
	LocalPeerID string

	// ICEServers overrides DefaultICEServers when non-nil.
	ICEServers []webrtc.ICEServer

	// SendSignal carries OFFER/ANSWER/ICE_CANDIDATE messages to the relay.
	SendSignal SignalSender

	// OnMessage receives every inbound data-channel payload, one goroutine
	// per link, in channel order.
	OnMessage func(fromPeerID string, data []byte)

	// OnPeerOpen fires when a link's data channel becomes ready.
	OnPeerOpen func(peerID string)

	// OnPeerClosed fires once when a link reaches a terminal state.
	OnPeerClosed func(peerID string)

	// OnTrack receives remote media tracks.
	OnTrack func(peerID string, track *webrtc.TrackRemote)

	LoggerFactory logging.LoggerFactory
}

// PeerLink is one bidirectional transport to a remote peer: a peer connection
// plus the single negotiated data channel.
type PeerLink struct {
	peerID    string
	initiator bool
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	manager   *PeerManager

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit // candidates queued until the remote description lands
	open      bool
	senders   map[string]*webrtc.RTPSender

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// PeerManager owns one PeerLink per remote peer and exposes a single
// send/broadcast surface to the session.
type PeerManager struct {
	cfg    PeerManagerConfig
	webrtc webrtc.Configuration

	mu     sync.RWMutex
	links  map[string]*PeerLink
	tracks map[string]webrtc.TrackLocal

	log logging.LeveledLogger
}

// NewPeerManager creates a manager with no links.
func NewPeerManager(cfg PeerManagerConfig) *PeerManager {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	iceServers := cfg.ICEServers
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	return &PeerManager{
		cfg:    cfg,
		webrtc: webrtc.Configuration{ICEServers: iceServers},
		links:  make(map[string]*PeerLink),
		tracks: make(map[string]webrtc.TrackLocal),
		log:    cfg.LoggerFactory.NewLogger("peer"),
	}
}

// newLink creates the peer connection and the negotiated data channel for one
// remote peer. Caller holds m.mu.
func (m *PeerManager) newLink(peerID string, initiator bool) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(m.webrtc)
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", peerID, err)
	}

	link := &PeerLink{
		peerID:    peerID,
		initiator: initiator,
		pc:        pc,
		manager:   m,
		senders:   make(map[string]*webrtc.RTPSender),
		inbound:   make(chan []byte, 256),
		done:      make(chan struct{}),
	}

	// Both sides create the channel with the same negotiated ID.
	negotiated := true
	ordered := true
	id := dataChannelID
	dc, err := pc.CreateDataChannel("collab", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		Ordered:    &ordered,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel for %s: %w", peerID, err)
	}
	link.dc = dc

	dc.OnOpen(func() {
		link.mu.Lock()
		link.open = true
		link.mu.Unlock()
		m.log.Infof("data channel to %s open", peerID)
		if m.cfg.OnPeerOpen != nil {
			m.cfg.OnPeerOpen(peerID)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case link.inbound <- msg.Data:
		case <-link.done:
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || m.cfg.SendSignal == nil {
			return
		}
		raw, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		if err := m.cfg.SendSignal(signal.Message{
			Type:         signal.TypeICECandidate,
			TargetUserID: peerID,
			Candidate:    raw,
		}); err != nil {
			m.log.Warnf("sending candidate to %s: %v", peerID, err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Infof("peer %s connection state: %s", peerID, state.String())
		switch state {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// Tear down this link only. A glare yield may already have
			// replaced the map entry with a successor link for the same peer.
			m.removeLink(link)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if m.cfg.OnTrack != nil {
			m.cfg.OnTrack(peerID, track)
		}
	})

	// Attach any media tracks that predate this link.
	for trackID, track := range m.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			m.log.Warnf("adding track %s to new link %s: %v", trackID, peerID, err)
			continue
		}
		link.senders[trackID] = sender
	}

	// One dispatch goroutine per link keeps inbound handling ordered without
	// running consumer code on pion's callback goroutine.
	go link.dispatchLoop()

	return link, nil
}

func (l *PeerLink) dispatchLoop() {
	for {
		select {
		case data := <-l.inbound:
			if l.manager.cfg.OnMessage != nil {
				l.manager.cfg.OnMessage(l.peerID, data)
			}
		case <-l.done:
			return
		}
	}
}

func (l *PeerLink) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// InitiateLink creates a link as the offering side. Only peers that were
// already room members when peerID joined call this; the joiner waits for
// offers, which keeps negotiation glare-free.
func (m *PeerManager) InitiateLink(peerID string) error {
	m.mu.Lock()
	if _, exists := m.links[peerID]; exists {
		m.mu.Unlock()
		return nil
	}
	link, err := m.newLink(peerID, true)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.links[peerID] = link
	m.mu.Unlock()

	return m.sendOffer(link)
}

// sendOffer runs one offer cycle on a link, for initial negotiation and for
// renegotiation after the transceiver set changed.
func (m *PeerManager) sendOffer(link *PeerLink) error {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", link.peerID, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description for %s: %w", link.peerID, err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return m.cfg.SendSignal(signal.Message{
		Type:         signal.TypeOffer,
		TargetUserID: link.peerID,
		Offer:        raw,
	})
}

// HandleOffer processes an OFFER relayed from a peer: first contact creates a
// responding link, an offer on an existing link is a renegotiation. If both
// sides offered at once (cannot happen under the join-order rule, kept as a
// tie-breaker), the lower peer ID's offer wins.
func (m *PeerManager) HandleOffer(fromPeerID string, offerRaw json.RawMessage) error {
	m.mu.Lock()
	link, exists := m.links[fromPeerID]
	if exists && link.initiator && !link.isOpen() {
		if m.cfg.LocalPeerID < fromPeerID {
			m.mu.Unlock()
			m.log.Warnf("glare with %s, keeping own offer", fromPeerID)
			return nil
		}
		// Lost the race: drop the local attempt and answer theirs instead.
		m.log.Warnf("glare with %s, yielding to their offer", fromPeerID)
		delete(m.links, fromPeerID)
		link.closeOnce.Do(func() {
			close(link.done)
			link.pc.Close()
		})
		exists = false
	}
	if !exists {
		var err error
		link, err = m.newLink(fromPeerID, false)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.links[fromPeerID] = link
	}
	m.mu.Unlock()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerRaw, &offer); err != nil {
		return fmt.Errorf("parse offer from %s: %w", fromPeerID, err)
	}
	if err := link.setRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", fromPeerID, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description for %s: %w", fromPeerID, err)
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return m.cfg.SendSignal(signal.Message{
		Type:         signal.TypeAnswer,
		TargetUserID: fromPeerID,
		Answer:       raw,
	})
}

// HandleAnswer completes an offer cycle we initiated.
func (m *PeerManager) HandleAnswer(fromPeerID string, answerRaw json.RawMessage) error {
	m.mu.RLock()
	link, exists := m.links[fromPeerID]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("answer from unknown peer %s", fromPeerID)
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerRaw, &answer); err != nil {
		return fmt.Errorf("parse answer from %s: %w", fromPeerID, err)
	}
	return link.setRemoteDescription(answer)
}

// setRemoteDescription applies the remote description and drains candidates
// that arrived before it.
func (l *PeerLink) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description for %s: %w", l.peerID, err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.manager.log.Warnf("queued candidate for %s: %v", l.peerID, err)
		}
	}
	return nil
}

// HandleCandidate adds a relayed ICE candidate, queueing it if the remote
// description has not been applied yet.
func (m *PeerManager) HandleCandidate(fromPeerID string, candidateRaw json.RawMessage) error {
	m.mu.RLock()
	link, exists := m.links[fromPeerID]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("candidate from unknown peer %s", fromPeerID)
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(candidateRaw, &candidate); err != nil {
		return fmt.Errorf("parse candidate from %s: %w", fromPeerID, err)
	}

	link.mu.Lock()
	if !link.remoteSet {
		link.pending = append(link.pending, candidate)
		link.mu.Unlock()
		return nil
	}
	link.mu.Unlock()

	return link.pc.AddICECandidate(candidate)
}

// SendToPeer delivers one envelope over a peer's data channel.
func (m *PeerManager) SendToPeer(peerID string, env Envelope) error {
	m.mu.RLock()
	link, exists := m.links[peerID]
	m.mu.RUnlock()
	if !exists || !link.isOpen() {
		return fmt.Errorf("no open channel to peer %s", peerID)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return link.dc.SendText(string(data))
}

// Broadcast sends an envelope to every open link except exceptPeerID (empty
// string excludes nobody).
func (m *PeerManager) Broadcast(env Envelope, exceptPeerID string) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	m.BroadcastRaw(data, exceptPeerID)
}

// BroadcastRaw sends a pre-encoded payload to every open link except
// exceptPeerID. Used for passthrough message kinds the session never decodes.
func (m *PeerManager) BroadcastRaw(data []byte, exceptPeerID string) {
	m.mu.RLock()
	links := make([]*PeerLink, 0, len(m.links))
	for id, link := range m.links {
		if id == exceptPeerID {
			continue
		}
		links = append(links, link)
	}
	m.mu.RUnlock()

	for _, link := range links {
		if !link.isOpen() {
			continue
		}
		if err := link.dc.SendText(string(data)); err != nil {
			m.log.Warnf("broadcast to %s failed: %v", link.peerID, err)
		}
	}
}

// AttachTrack adds a local media track to every link and renegotiates each
// one; the transceiver set changed, so a fresh offer cycle is required.
func (m *PeerManager) AttachTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	m.tracks[track.ID()] = track
	links := m.allLinks()
	m.mu.Unlock()

	for _, link := range links {
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			m.log.Warnf("adding track %s to %s: %v", track.ID(), link.peerID, err)
			continue
		}
		link.mu.Lock()
		link.senders[track.ID()] = sender
		link.mu.Unlock()

		if err := m.sendOffer(link); err != nil {
			m.log.Warnf("renegotiating with %s: %v", link.peerID, err)
		}
	}
	return nil
}

// DetachTrack removes a local media track from every link and renegotiates.
func (m *PeerManager) DetachTrack(trackID string) {
	m.mu.Lock()
	delete(m.tracks, trackID)
	links := m.allLinks()
	m.mu.Unlock()

	for _, link := range links {
		link.mu.Lock()
		sender, ok := link.senders[trackID]
		delete(link.senders, trackID)
		link.mu.Unlock()
		if !ok {
			continue
		}
		if err := link.pc.RemoveTrack(sender); err != nil {
			m.log.Warnf("removing track %s from %s: %v", trackID, link.peerID, err)
			continue
		}
		if err := m.sendOffer(link); err != nil {
			m.log.Warnf("renegotiating with %s: %v", link.peerID, err)
		}
	}
}

// allLinks copies the link set. Caller holds m.mu.
func (m *PeerManager) allLinks() []*PeerLink {
	links := make([]*PeerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	return links
}

// RemovePeer tears down the link registered for peerID and fires OnPeerClosed
// exactly once.
func (m *PeerManager) RemovePeer(peerID string) {
	m.mu.RLock()
	link, exists := m.links[peerID]
	m.mu.RUnlock()
	if !exists {
		return
	}
	m.removeLink(link)
}

// removeLink tears down one specific link. A link that was already replaced
// under the same peer ID is closed quietly, leaving its successor registered
// and firing no OnPeerClosed.
func (m *PeerManager) removeLink(target *PeerLink) {
	m.mu.Lock()
	registered := m.links[target.peerID] == target
	if registered {
		delete(m.links, target.peerID)
	}
	m.mu.Unlock()

	target.closeOnce.Do(func() {
		close(target.done)
		target.pc.Close()
		if registered && m.cfg.OnPeerClosed != nil {
			m.cfg.OnPeerClosed(target.peerID)
		}
	})
}

// HasLink reports whether a link exists for peerID, open or not.
func (m *PeerManager) HasLink(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.links[peerID]
	return exists
}

// IsInitiator reports whether the local side offered on the link to peerID.
func (m *PeerManager) IsInitiator(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, exists := m.links[peerID]
	return exists && link.initiator
}

// OpenPeers returns the IDs of peers with a ready data channel.
func (m *PeerManager) OpenPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var peers []string
	for id, link := range m.links {
		if link.isOpen() {
			peers = append(peers, id)
		}
	}
	return peers
}

// PeerCount returns the number of links, open or negotiating.
func (m *PeerManager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// Close tears down every link without firing OnPeerClosed.
func (m *PeerManager) Close() {
	m.mu.Lock()
	links := m.allLinks()
	m.links = make(map[string]*PeerLink)
	m.mu.Unlock()

	for _, link := range links {
		link.closeOnce.Do(func() {
			close(link.done)
			link.pc.Close()
		})
	}
}
