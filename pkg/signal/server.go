package signal

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// Client represents a connected WebSocket client
type Client struct {
	conn   *websocket.Conn
	roomID string // empty until JOIN_ROOM
	userID string
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

// trySend queues data for the write pump unless the client is shut down or
// its buffer is full. A false return means the message was dropped.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend shuts the client's send channel exactly once. Safe to call while
// other goroutines are inside trySend; they observe the closed flag under the
// same mutex and never touch the closed channel.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Room holds the registered members of one collaboration session.
// The relay only tracks membership; it never carries document data.
type Room struct {
	id          string
	projectName string
	hostID      string // peer that supplied the project name
	members     map[string]*Client
	mu          sync.RWMutex
}

// Server manages WebSocket connections and room routing
type Server struct {
	rooms    map[string]*Room
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	log      logging.LeveledLogger
}

// NewServer creates a new signaling relay. A nil loggerFactory falls back to
// the pion default factory.
func NewServer(loggerFactory logging.LoggerFactory) *Server {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Server{
		rooms: make(map[string]*Room),
		log:   loggerFactory.NewLogger("signal"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // LAN tool, no origin policy
			},
		},
	}
}

// getOrCreateRoom returns existing room or creates new one
func (s *Server) getOrCreateRoom(id string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, exists := s.rooms[id]; exists {
		return room
	}

	room := &Room{
		id:      id,
		members: make(map[string]*Client),
	}
	s.rooms[id] = room
	return room
}

// removeClient removes a client from its room, tells the remaining members,
// and deletes the room once it is empty.
func (s *Server) removeClient(client *Client) {
	if client.roomID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, exists := s.rooms[client.roomID]
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	// A replaced registration must not evict its successor.
	if current, ok := room.members[client.userID]; !ok || current != client {
		return
	}
	delete(room.members, client.userID)
	s.log.Infof("peer %s left room %s (%d remaining)", client.userID, room.id, len(room.members))

	left := Message{Type: TypeUserLeft, UserID: client.userID}
	data, _ := json.Marshal(left)
	for _, member := range room.members {
		member.trySend(data)
	}

	if len(room.members) == 0 {
		delete(s.rooms, room.id)
		s.log.Infof("room %s is empty, removing", room.id)
	}
}

// ListRooms returns one entry per currently open room.
func (s *Server) ListRooms() []RoomInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]RoomInfo, 0, len(s.rooms))
	for _, room := range s.rooms {
		room.mu.RLock()
		name := room.projectName
		if name == "" {
			name = DefaultProjectName
		}
		rooms = append(rooms, RoomInfo{
			RoomID:      room.id,
			ProjectName: name,
			HostID:      room.hostID,
			Members:     len(room.members),
		})
		room.mu.RUnlock()
	}
	return rooms
}

// MemberCount returns the number of registered peers in a room.
func (s *Server) MemberCount(roomID string) int {
	s.mu.RLock()
	room, exists := s.rooms[roomID]
	s.mu.RUnlock()
	if !exists {
		return 0
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.members)
}

// HandleWebSocket upgrades an HTTP request and starts the client pumps.
// Room membership is established later by a JOIN_ROOM message so that
// clients can issue LIST_ROOMS before committing to a room.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	go client.writePump()
	go client.readPump()
}

// Handler returns the HTTP handler serving the relay endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	return mux
}
