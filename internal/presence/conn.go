package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4 << 10
)

// Conn is one live WebSocket session. All outbound frames pass through
// the bounded send channel feeding the single writer goroutine; the
// read loop is the only goroutine that mutates subscription state.
type Conn struct {
	ID       string
	UserID   string
	DeviceID string

	ws   *websocket.Conn
	send chan ServerFrame
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	guilds   map[string]struct{}
	channels map[string]struct{}
	status   Status
}

func newConn(ws *websocket.Conn, userID, deviceID string) *Conn {
	return &Conn{
		ID:       uuid.NewString(),
		UserID:   userID,
		DeviceID: deviceID,
		ws:       ws,
		send:     make(chan ServerFrame, sendBufferSize),
		done:     make(chan struct{}),
		guilds:   make(map[string]struct{}),
		channels: make(map[string]struct{}),
		status:   StatusOnline,
	}
}

// trySend enqueues frame without blocking. Returns false if the buffer
// is full or the connection is closing; callers decide whether the
// frame is droppable (presence, typing) or must be recovered later
// (messages, via replay).
func (c *Conn) trySend(frame ServerFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// sendBlocking enqueues frame, waiting for buffer space. Returns false
// only if the connection closed while waiting. Replay uses this so a
// slow client backpressures its own replay instead of losing frames.
func (c *Conn) sendBlocking(frame ServerFrame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) addGuild(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guilds[guildID] = struct{}{}
}

func (c *Conn) addChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channelID] = struct{}{}
}

func (c *Conn) removeChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

func (c *Conn) guildList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.guilds))
	for g := range c.guilds {
		out = append(out, g)
	}
	return out
}

func (c *Conn) channelList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Conn) setStatus(st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = st
}

// HandleConn owns ws for the lifetime of the session: it registers the
// connection, joins the user's guilds, announces Online, then pumps
// frames until the client disconnects or ctx is cancelled. It blocks;
// the HTTP handler that upgraded the connection calls it directly.
func (s *State) HandleConn(ctx context.Context, ws *websocket.Conn, userID, deviceID string) {
	c := newConn(ws, userID, deviceID)
	s.register(c)
	defer s.teardown(c)

	guilds, err := s.dir.GuildsForUser(ctx, userID)
	if err != nil {
		s.logger.Warn("guild lookup failed, connection joins no guilds", "error", err)
	}
	for _, guildID := range guilds {
		s.subscribeGuild(c, guildID)
		s.BroadcastGuild(guildID, presenceUpdate(userID, StatusOnline), c.ID)
	}

	go c.writeLoop()
	defer c.close()

	s.readLoop(ctx, c)
}

// writeLoop is the connection's single writer: it drains the send
// channel into the socket and keeps the connection alive with pings.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *State) readLoop(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read ended", "user_id", c.UserID, "error", err)
			}
			return
		}
		frame, err := DecodeClientFrame(raw)
		if err != nil {
			s.logger.Debug("discarding malformed ws frame", "user_id", c.UserID, "error", err)
			continue
		}
		s.dispatch(ctx, c, frame)
	}
}

func (s *State) dispatch(ctx context.Context, c *Conn, frame *ClientFrame) {
	switch frame.Type {
	case TypeSubscribe:
		if err := s.subscribeChannel(ctx, c, frame.ChannelID); err != nil {
			s.logger.Warn("channel replay failed", "channel", frame.ChannelID, "error", err)
			s.addChannelSubscriber(c, frame.ChannelID)
		}
	case TypeUnsubscribe:
		s.unsubscribeChannel(c, frame.ChannelID)
	case TypeSetPresence:
		c.setStatus(frame.Status)
		for _, guildID := range c.guildList() {
			s.BroadcastGuild(guildID, presenceUpdate(c.UserID, frame.Status), c.ID)
		}
	case TypeStartTyping:
		s.startTyping(c, frame.ChannelID)
	case TypeStopTyping:
		s.stopTyping(c, frame.ChannelID)
	}
}
