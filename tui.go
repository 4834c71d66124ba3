package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sketchmesh/sketchmesh/pkg/session"
)

// document is a minimal consumer of the collaboration core: an opaque object
// map where each operation payload fully overwrites its target object
// (last-writer-wins, same granularity the merge protocol assumes).
type document struct {
	mu      sync.Mutex
	objects map[string]json.RawMessage
}

func newDocument() *document {
	return &document{objects: make(map[string]json.RawMessage)}
}

func (d *document) Apply(ops []session.Operation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		if op.Kind == "delete" {
			delete(d.objects, op.TargetID)
			continue
		}
		d.objects[op.TargetID] = op.Payload
	}
}

func (d *document) Load(snapshot json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	objects := make(map[string]json.RawMessage)
	if len(snapshot) > 0 {
		_ = json.Unmarshal(snapshot, &objects)
	}
	d.objects = objects
}

func (d *document) Snapshot() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, _ := json.Marshal(d.objects)
	return data
}

func (d *document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

// Styles
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	peerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("85"))
	lockStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	chatStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// Events pushed from session callbacks into the bubbletea loop.
type (
	evPeer     struct{ id string; joined bool }
	evLock     struct{ object, holder string; locked bool }
	evOps      struct{ count int }
	evSnapshot struct{ objects int }
	evChat      struct{ from, text string }
	evFile      struct{ name string; size int }
	evRelayLost struct{}
)

type chatWire struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type model struct {
	sess   *session.Session
	doc    *document
	name   string
	events chan tea.Msg

	peers   map[string]bool
	locks   map[string]string
	chat    []string
	input   string
	status  string
	applied int
}

func waitForEvent(events chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.sess.Close()
			return m, tea.Quit
		case "enter":
			if m.input != "" {
				m.sendChat(m.input)
				m.chat = append(m.chat, fmt.Sprintf("%s: %s", m.name, m.input))
				m.input = ""
			}
		case "backspace":
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		default:
			if len(msg.String()) == 1 || msg.String() == " " {
				m.input += msg.String()
			}
		}
		return m, nil

	case evPeer:
		if msg.joined {
			m.peers[msg.id] = true
			m.status = fmt.Sprintf("peer %s connected", shortID(msg.id))
		} else {
			delete(m.peers, msg.id)
			m.status = fmt.Sprintf("peer %s disconnected", shortID(msg.id))
		}
		return m, waitForEvent(m.events)

	case evLock:
		if msg.locked {
			m.locks[msg.object] = msg.holder
		} else {
			delete(m.locks, msg.object)
		}
		return m, waitForEvent(m.events)

	case evOps:
		m.applied += msg.count
		return m, waitForEvent(m.events)

	case evSnapshot:
		m.status = fmt.Sprintf("synced project (%d objects)", msg.objects)
		return m, waitForEvent(m.events)

	case evChat:
		m.chat = append(m.chat, fmt.Sprintf("%s: %s", msg.from, msg.text))
		return m, waitForEvent(m.events)

	case evFile:
		m.status = fmt.Sprintf("received %s (%d bytes)", msg.name, msg.size)
		return m, waitForEvent(m.events)

	case evRelayLost:
		m.status = "relay connection lost; existing peers stay connected"
		return m, waitForEvent(m.events)
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	role := "guest"
	if m.sess.Hosting() {
		role = "host"
	}
	b.WriteString(titleStyle.Render("sketchmesh") + "  " +
		labelStyle.Render(fmt.Sprintf("room %s (%s)", m.sess.RoomID(), role)) + "\n\n")

	peers := make([]string, 0, len(m.peers))
	for id := range m.peers {
		peers = append(peers, shortID(id))
	}
	sort.Strings(peers)
	b.WriteString(labelStyle.Render("peers: "))
	if len(peers) == 0 {
		b.WriteString("none yet\n")
	} else {
		b.WriteString(peerStyle.Render(strings.Join(peers, ", ")) + "\n")
	}

	if len(m.locks) > 0 {
		objects := make([]string, 0, len(m.locks))
		for obj := range m.locks {
			objects = append(objects, obj)
		}
		sort.Strings(objects)
		b.WriteString(labelStyle.Render("locks: "))
		parts := make([]string, 0, len(objects))
		for _, obj := range objects {
			parts = append(parts, fmt.Sprintf("%s→%s", obj, shortID(m.locks[obj])))
		}
		b.WriteString(lockStyle.Render(strings.Join(parts, "  ")) + "\n")
	}

	b.WriteString(labelStyle.Render(fmt.Sprintf("objects: %d  ops applied: %d", m.doc.Len(), m.applied)) + "\n\n")

	start := 0
	if len(m.chat) > 8 {
		start = len(m.chat) - 8
	}
	for _, line := range m.chat[start:] {
		b.WriteString(chatStyle.Render(line) + "\n")
	}
	b.WriteString("\n> " + m.input + "\n")

	if m.status != "" {
		b.WriteString("\n" + statusStyle.Render(m.status) + "\n")
	}
	b.WriteString(labelStyle.Render("\nenter: send chat  esc: quit\n"))

	return b.String()
}

func (m model) sendChat(text string) {
	data, err := json.Marshal(chatWire{
		Type:    "chat-message",
		UserID:  m.sess.PeerID(),
		Name:    m.name,
		Message: text,
	})
	if err != nil {
		return
	}
	m.sess.BroadcastRaw(data)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RunTUI connects the session and runs the terminal client until quit.
func RunTUI(cfg session.Config, flags Config, doc *document) error {
	events := make(chan tea.Msg, 64)

	cfg.OnOperations = func(ops []session.Operation) {
		doc.Apply(ops)
		events <- evOps{count: len(ops)}
	}
	cfg.OnSnapshot = func(project json.RawMessage, ops []session.Operation) {
		doc.Load(project)
		doc.Apply(ops)
		events <- evSnapshot{objects: doc.Len()}
	}
	cfg.OnLockChanged = func(objectID, holderPeerID string, locked bool) {
		events <- evLock{object: objectID, holder: holderPeerID, locked: locked}
	}
	cfg.OnPeerEvent = func(peerID string, joined bool) {
		events <- evPeer{id: peerID, joined: joined}
	}
	cfg.OnFile = func(nodeID, fileName, mimeType string, data []byte) {
		events <- evFile{name: fileName, size: len(data)}
	}
	cfg.OnRelayDisconnect = func() {
		events <- evRelayLost{}
	}

	var sess *session.Session
	var err error
	if flags.Host {
		sess, err = session.Host(cfg, "")
	} else {
		sess, err = session.Join(cfg, flags.JoinRoom)
	}
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	unsubscribe := sess.Subscribe(func(fromPeerID, msgType string, raw []byte) {
		if msgType != "chat-message" {
			return
		}
		var msg chatWire
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		from := msg.Name
		if from == "" {
			from = shortID(fromPeerID)
		}
		events <- evChat{from: from, text: msg.Message}
	})
	defer unsubscribe()

	m := model{
		sess:   sess,
		doc:    doc,
		name:   flags.Name,
		events: events,
		peers:  make(map[string]bool),
		locks:  make(map[string]string),
		status: fmt.Sprintf("connected to %s as %s", flags.RelayURL, shortID(sess.PeerID())),
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
