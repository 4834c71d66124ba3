package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// SignalClient is the peer side of the relay connection. It decodes inbound
// messages onto a channel and serializes outbound writes.
type SignalClient struct {
	conn         *websocket.Conn
	connMu       sync.Mutex
	msgChan      chan Message
	done         chan struct{}
	onDisconnect func()
	closed       bool
	closeMu      sync.Mutex
	log          logging.LeveledLogger
}

// Dial connects to a signaling relay at url (e.g. "ws://host:8080/ws").
func Dial(url string, loggerFactory logging.LoggerFactory) (*SignalClient, error) {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling relay %s: %w", url, err)
	}
	return NewSignalClient(conn, loggerFactory), nil
}

// NewSignalClient wraps an established WebSocket connection.
func NewSignalClient(conn *websocket.Conn, loggerFactory logging.LoggerFactory) *SignalClient {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	sc := &SignalClient{
		conn:    conn,
		msgChan: make(chan Message, 100),
		done:    make(chan struct{}),
		log:     loggerFactory.NewLogger("signal"),
	}
	go sc.readLoop()
	return sc
}

func (sc *SignalClient) readLoop() {
	defer func() {
		close(sc.msgChan)
		sc.closeMu.Lock()
		if sc.onDisconnect != nil && !sc.closed {
			sc.onDisconnect()
		}
		sc.closeMu.Unlock()
	}()

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			sc.closeMu.Lock()
			closed := sc.closed
			sc.closeMu.Unlock()
			if !closed {
				sc.log.Warnf("relay read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			sc.log.Warnf("dropping malformed relay message: %v", err)
			continue
		}

		select {
		case sc.msgChan <- msg:
		case <-sc.done:
			return
		}
	}
}

// Send writes one signaling message to the relay.
func (sc *SignalClient) Send(msg Message) error {
	sc.closeMu.Lock()
	closed := sc.closed
	sc.closeMu.Unlock()
	if closed {
		return fmt.Errorf("signaling connection closed")
	}

	sc.connMu.Lock()
	defer sc.connMu.Unlock()
	if err := sc.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to relay: %w", err)
	}
	return nil
}

// Messages returns the channel of decoded inbound messages. The channel is
// closed when the connection drops.
func (sc *SignalClient) Messages() <-chan Message {
	return sc.msgChan
}

// SetDisconnectHandler sets callback for when connection is lost
func (sc *SignalClient) SetDisconnectHandler(handler func()) {
	sc.closeMu.Lock()
	sc.onDisconnect = handler
	sc.closeMu.Unlock()
}

// Close shuts down the client
func (sc *SignalClient) Close() {
	sc.closeMu.Lock()
	defer sc.closeMu.Unlock()
	if !sc.closed {
		sc.closed = true
		close(sc.done)
		sc.conn.Close()
	}
}
