package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// heartbeatInterval is how often the session pings its client and
	// checks the client's own liveness.
	heartbeatInterval = time.Second
	// clientTimeout drops clients that have not pinged or ponged recently.
	clientTimeout = 5 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Session terminates one client connection: it registers with the hub,
// translates inbound frames into hub operations, relays hub broadcasts back
// out, and enforces the heartbeat protocol.
type Session struct {
	hub  *Hub
	conn *websocket.Conn

	id   uint64
	send chan []byte

	lastHeartbeat atomic.Int64 // unix nanos
	closeOnce     sync.Once
}

// ServeWS upgrades an HTTP request and runs a session on it.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session: upgrade: %v", err)
		return
	}

	s := &Session{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	s.touch()

	id, err := h.Register(s.send)
	if err != nil {
		log.Printf("session: register: %v", err)
		_ = conn.Close()
		return
	}
	s.id = id

	go s.writePump()
	go s.readPump()
}

func (s *Session) touch() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

func (s *Session) expired() bool {
	last := time.Unix(0, s.lastHeartbeat.Load())
	return time.Since(last) > clientTimeout
}

// close deregisters exactly once and tears down the transport. Safe to call
// from either pump.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.hub.Deregister(s.id)
		_ = s.conn.Close()
	})
}

// readPump consumes inbound frames until the transport closes or errors.
// Ping and pong control frames reset the heartbeat clock.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPingHandler(func(appData string) error {
		s.touch()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	for {
		kind, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session %d: read: %v", s.id, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			log.Printf("session %d: unexpected binary frame", s.id)
			continue
		}
		s.handleFrame(frame)
	}
}

// writePump relays hub payloads out and drives the heartbeat: one ping per
// interval, and a liveness check against the client's last ping/pong.
func (s *Session) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if s.expired() {
				log.Printf("session %d: heartbeat timeout, disconnecting", s.id)
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame parses a text frame as each known command shape in order and
// dispatches the first that matches with at least one recognized field.
// Unrecognized frames are dropped with a warning, not an error to the client.
func (s *Session) handleFrame(frame []byte) {
	var update livestreamUpdate
	if err := json.Unmarshal(frame, &update); err == nil && update.recognized() {
		for _, msg := range update.Messages {
			s.hub.Ingest(msg)
		}
		for _, id := range update.Removals {
			s.hub.Remove(id)
		}
		if update.Viewers != nil {
			s.hub.UpdateViewerCount(update.Platform, *update.Viewers)
		}
		return
	}

	var feature featureCommand
	if err := json.Unmarshal(frame, &feature); err == nil && hasKey(frame, "feature_message") {
		if _, err := s.hub.Feature(feature.FeatureMessage); err != nil {
			log.Printf("session %d: feature: %v", s.id, err)
		}
		return
	}

	var cmd layoutCommand
	if err := json.Unmarshal(frame, &cmd); err == nil && cmd.recognized() {
		s.handleLayoutCommand(&cmd)
		return
	}

	log.Printf("session %d: unrecognized frame: %s", s.id, frame)
}

// handleLayoutCommand dispatches exactly one layout operation per frame,
// checked in a fixed order. Request-style commands reply on this session's
// own send queue.
func (s *Session) handleLayoutCommand(cmd *layoutCommand) {
	switch {
	case cmd.LayoutUpdate != nil:
		s.hub.UpdateLayout(*cmd.LayoutUpdate)

	case cmd.SwitchLayout != nil:
		if err := s.hub.SwitchLayout(*cmd.SwitchLayout); err != nil {
			log.Printf("session %d: switch layout: %v", s.id, err)
		}

	case cmd.SaveLayout != nil:
		l := cmd.SaveLayout.Layout
		l.Name = cmd.SaveLayout.Name
		if err := s.hub.SaveLayout(l); err != nil {
			log.Printf("session %d: save layout: %v", s.id, err)
		}

	case cmd.DeleteLayout != nil:
		if err := s.hub.DeleteLayout(*cmd.DeleteLayout); err != nil {
			log.Printf("session %d: delete layout: %v", s.id, err)
		}

	case cmd.RequestLayout:
		l, err := s.hub.ActiveLayout()
		if err != nil {
			log.Printf("session %d: request layout: %v", s.id, err)
			return
		}
		s.reply(tagLayoutUpdate, l)

	case cmd.RequestLayouts:
		list, err := s.hub.LayoutList()
		if err != nil {
			log.Printf("session %d: request layouts: %v", s.id, err)
			return
		}
		s.reply(tagLayoutList, list)

	case cmd.SubscribeLayout != nil:
		name := *cmd.SubscribeLayout
		s.hub.SubscribeLayout(s.id, name)
		l, found, err := s.hub.LayoutByName(name)
		if err != nil {
			log.Printf("session %d: subscribe layout: %v", s.id, err)
			return
		}
		if !found {
			log.Printf("session %d: subscribe layout: %q not found", s.id, name)
			return
		}
		s.reply(tagLayoutUpdate, l)
	}
}

// reply serializes a tagged envelope onto this session's send queue,
// dropping it if the queue is saturated.
func (s *Session) reply(tag string, payload any) {
	data, err := envelope(tag, payload)
	if err != nil {
		log.Printf("session %d: %v", s.id, err)
		return
	}
	select {
	case s.send <- data:
	default:
	}
}
