package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"openconv/go-core/internal/platform/ttlcache"
)

const (
	// sendBufferSize is each connection's bounded outbound queue; a full
	// queue applies backpressure to replay and drops broadcast frames.
	sendBufferSize = 256

	// replayLimit caps how many missed messages one subscribe replays;
	// anything beyond it the client pages in over REST.
	replayLimit = 500

	// typingTimeout is how long a typing indicator stays armed without a
	// fresh StartTyping.
	typingTimeout = 5 * time.Second

	// lastSeenTTL bounds how long a disconnect's per-channel watermark
	// survives before replay is no longer offered.
	lastSeenTTL = 24 * time.Hour
)

// GuildDirectory resolves which guilds a connecting user belongs to. The
// guild membership tables themselves are an external collaborator; this
// is the only question this package ever asks of them.
type GuildDirectory interface {
	GuildsForUser(ctx context.Context, userID string) ([]string, error)
}

// MessageSource serves the bounded replay query: non-deleted messages in
// channelID with created_at after since, ordered ascending by created_at,
// at most limit rows.
type MessageSource interface {
	MissedMessages(ctx context.Context, channelID string, since time.Time, limit int) ([]MissedMessage, error)
}

// State is the in-process WebSocket fan-out hub: every live connection,
// the per-guild and per-channel subscriber sets, and the typing-timer
// registry. All handler goroutines share one State; the DB and cache
// pools stay outside it and are passed in as the two interfaces above.
type State struct {
	dir      GuildDirectory
	messages MessageSource
	lastSeen *ttlcache.Cache
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	guilds   map[string]map[string]*Conn
	channels map[string]map[string]*Conn

	typingMu sync.Mutex
	typing   map[string]*time.Timer
}

// NewState returns an empty hub.
func NewState(dir GuildDirectory, messages MessageSource, metrics *Metrics, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		dir:      dir,
		messages: messages,
		lastSeen: ttlcache.New(),
		metrics:  metrics,
		logger:   logger,
		conns:    make(map[string]*Conn),
		guilds:   make(map[string]map[string]*Conn),
		channels: make(map[string]map[string]*Conn),
		typing:   make(map[string]*time.Timer),
	}
}

func (s *State) register(c *Conn) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
	s.metrics.ConnectedSessions.Inc()
}

func (s *State) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
	s.metrics.ConnectedSessions.Dec()
}

func (s *State) subscribeGuild(c *Conn, guildID string) {
	s.mu.Lock()
	set, ok := s.guilds[guildID]
	if !ok {
		set = make(map[string]*Conn)
		s.guilds[guildID] = set
	}
	set[c.ID] = c
	s.mu.Unlock()
	c.addGuild(guildID)
}

func (s *State) unsubscribeGuild(c *Conn, guildID string) {
	s.mu.Lock()
	if set, ok := s.guilds[guildID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(s.guilds, guildID)
		}
	}
	s.mu.Unlock()
}

func (s *State) addChannelSubscriber(c *Conn, channelID string) {
	s.mu.Lock()
	set, ok := s.channels[channelID]
	if !ok {
		set = make(map[string]*Conn)
		s.channels[channelID] = set
	}
	set[c.ID] = c
	s.mu.Unlock()
	c.addChannel(channelID)
}

func (s *State) removeChannelSubscriber(c *Conn, channelID string) {
	s.mu.Lock()
	if set, ok := s.channels[channelID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(s.channels, channelID)
		}
	}
	s.mu.Unlock()
	c.removeChannel(channelID)
}

// BroadcastGuild fans frame out to every connection subscribed to
// guildID except exceptConnID (empty to include everyone). Presence and
// typing frames are droppable: a receiver whose buffer is full misses
// the event and the next state change repairs it.
func (s *State) BroadcastGuild(guildID string, frame ServerFrame, exceptConnID string) {
	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.guilds[guildID]))
	for id, c := range s.guilds[guildID] {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	for _, c := range targets {
		if !c.trySend(frame) {
			s.metrics.DroppedFrames.Inc()
		}
	}
}

// BroadcastChannel fans frame out to every subscriber of channelID.
func (s *State) BroadcastChannel(channelID string, frame ServerFrame, exceptConnID string) {
	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.channels[channelID]))
	for id, c := range s.channels[channelID] {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	for _, c := range targets {
		if !c.trySend(frame) {
			s.metrics.DroppedFrames.Inc()
		}
	}
}

// NotifyMessageCreated is the entry point the message-ingest path calls
// after durably storing a ciphertext: live subscribers get a
// MessageCreated frame. A dropped frame here is recovered by the
// replay path on the receiver's next subscribe, so delivery stays
// at-most-once live plus exactly-once durable.
func (s *State) NotifyMessageCreated(channelID, messageID string) {
	s.BroadcastChannel(channelID, messageCreated(channelID, messageID), "")
}

// subscribeChannel runs the replay protocol for one channel, then
// registers the connection for the live stream. Replay frames are
// written before registration so the emitted sequence per (channel,
// connection) is always MessageCreated* ReplayComplete live*, never
// interleaved; a message created during the replay fetch arrives via
// the durable REST path instead.
func (s *State) subscribeChannel(ctx context.Context, c *Conn, channelID string) error {
	if raw, ok := s.lastSeen.Get(lastSeenKey(c.UserID, channelID)); ok {
		since := raw.(time.Time)
		missed, err := s.messages.MissedMessages(ctx, channelID, since, replayLimit)
		if err != nil {
			return err
		}
		for _, m := range missed {
			if !c.sendBlocking(messageCreated(m.ChannelID, m.MessageID)) {
				return nil
			}
			s.metrics.ReplayedMessages.Inc()
		}
		if !c.sendBlocking(replayComplete(channelID)) {
			return nil
		}
		s.lastSeen.Delete(lastSeenKey(c.UserID, channelID))
	}
	s.addChannelSubscriber(c, channelID)
	return nil
}

// unsubscribeChannel drops the live subscription and records the
// watermark so a later resubscribe replays what was missed meanwhile.
func (s *State) unsubscribeChannel(c *Conn, channelID string) {
	s.removeChannelSubscriber(c, channelID)
	s.lastSeen.Set(lastSeenKey(c.UserID, channelID), time.Now().UTC(), lastSeenTTL)
}

// startTyping broadcasts TypingStarted and arms (or re-arms) the 5 s
// expiry timer for (user, channel). Expiry is silent: clients time the
// indicator out locally when no fresh TypingStarted arrives.
func (s *State) startTyping(c *Conn, channelID string) {
	key := typingKey(c.UserID, channelID)
	s.typingMu.Lock()
	if t, ok := s.typing[key]; ok {
		t.Reset(typingTimeout)
		s.typingMu.Unlock()
	} else {
		s.typing[key] = time.AfterFunc(typingTimeout, func() {
			s.typingMu.Lock()
			delete(s.typing, key)
			s.typingMu.Unlock()
			s.metrics.ActiveTypingTimer.Dec()
		})
		s.typingMu.Unlock()
		s.metrics.ActiveTypingTimer.Inc()
	}
	s.BroadcastChannel(channelID, typingStarted(channelID, c.UserID), c.ID)
}

// stopTyping disarms the timer without emitting anything.
func (s *State) stopTyping(c *Conn, channelID string) {
	s.cancelTyping(typingKey(c.UserID, channelID))
}

func (s *State) cancelTyping(key string) {
	s.typingMu.Lock()
	t, ok := s.typing[key]
	if ok {
		delete(s.typing, key)
	}
	s.typingMu.Unlock()
	if ok {
		t.Stop()
		s.metrics.ActiveTypingTimer.Dec()
	}
}

// teardown runs the full disconnect protocol for c: Offline presence on
// its guilds, last-seen watermarks for its channels, subscription and
// typing-timer cleanup, and deregistration.
func (s *State) teardown(c *Conn) {
	for _, guildID := range c.guildList() {
		s.BroadcastGuild(guildID, presenceUpdate(c.UserID, StatusOffline), c.ID)
		s.unsubscribeGuild(c, guildID)
	}
	now := time.Now().UTC()
	for _, channelID := range c.channelList() {
		s.removeChannelSubscriber(c, channelID)
		s.lastSeen.Set(lastSeenKey(c.UserID, channelID), now, lastSeenTTL)
		s.cancelTyping(typingKey(c.UserID, channelID))
	}
	s.unregister(c)
}

// ConnectionCount reports how many sessions are live, for health
// endpoints.
func (s *State) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func lastSeenKey(userID, channelID string) string { return "last_seen:" + userID + ":" + channelID }

func typingKey(userID, channelID string) string { return userID + "\x00" + channelID }
