// README: Live worker sessions: local websocket clients, Redis presence and cross-instance fan-out.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"dispatchd/internal/logging"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/observability"
	"dispatchd/internal/types"
)

const (
	presencePrefix  = "presence:worker:"
	fanoutPrefix    = "notify:socket:"
	ackPrefix       = "notify:ack:"
	presenceTTL     = 90 * time.Second
	presenceRefresh = 30 * time.Second
	relayAckWait    = 2 * time.Second
	relayAckTTL     = 10 * time.Second

	ackDelivered = "1"
	ackMissed    = "0"
)

// dropPresenceScript deletes a presence key only while it still names the given instance.
var dropPresenceScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type LocationSink interface {
	Ingest(ctx context.Context, u location.Update) (location.IngestResult, error)
}

type envelope struct {
	Origin  string   `json:"origin"`
	UserID  types.ID `json:"user_id"`
	Message Message  `json:"message"`
	AckKey  string   `json:"ack_key"`
}

type Hub struct {
	redis     *redis.Client
	instance  string
	locations LocationSink
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[types.ID]*Client
	ready   chan struct{}
}

func NewHub(client *redis.Client, locations LocationSink, logger *slog.Logger) *Hub {
	return &Hub{
		redis:     client,
		instance:  string(types.NewID()),
		locations: locations,
		logger:    logging.OrDiscard(logger),
		clients:   make(map[types.ID]*Client),
		ready:     make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed to this instance's relay channel.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Serve registers conn as userID's session and blocks until the session ends.
func (h *Hub) Serve(ctx context.Context, userID types.ID, conn *websocket.Conn) {
	c := newClient(h, userID, conn)
	h.register(ctx, c)
	go c.writePump()
	c.readPump(ctx)
	h.unregister(context.WithoutCancel(ctx), c)
}

func (h *Hub) register(ctx context.Context, c *Client) {
	h.mu.Lock()
	old := h.clients[c.userID]
	h.clients[c.userID] = c
	n := len(h.clients)
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	observability.WorkersConnected.Set(float64(n))
	if err := h.redis.Set(ctx, presencePrefix+string(c.userID), h.instance, presenceTTL).Err(); err != nil {
		h.logger.Warn("presence set failed", "user_id", c.userID, "err", err)
	}
	h.logger.Info("socket connected", "user_id", c.userID, "clients", n)
}

func (h *Hub) unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	current := h.clients[c.userID] == c
	if current {
		delete(h.clients, c.userID)
	}
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if !current {
		return
	}
	observability.WorkersConnected.Set(float64(n))
	if err := h.redis.Del(ctx, presencePrefix+string(c.userID)).Err(); err != nil {
		h.logger.Warn("presence delete failed", "user_id", c.userID, "err", err)
	}
	h.logger.Info("socket disconnected", "user_id", c.userID, "clients", n)
}

// Send delivers m to userID's session on this or another instance. A relay counts as
// delivered only once the owning instance confirms it handed m to the session.
func (h *Hub) Send(ctx context.Context, userID types.ID, m Message) error {
	if h.deliverLocal(userID, m) {
		return nil
	}
	key := presencePrefix + string(userID)
	owner, err := h.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNoSession
	}
	if err != nil {
		return err
	}
	if owner == h.instance {
		if !h.hasSession(userID) {
			h.dropPresence(ctx, userID, owner)
		}
		return ErrNoSession
	}

	ackKey := ackPrefix + string(types.NewID())
	b, err := json.Marshal(envelope{Origin: h.instance, UserID: userID, Message: m, AckKey: ackKey})
	if err != nil {
		return err
	}
	receivers, err := h.redis.Publish(ctx, fanoutPrefix+owner, b).Result()
	if err != nil {
		return err
	}
	if receivers == 0 {
		h.logger.Info("presence names a gone instance", "user_id", userID, "instance", owner)
		h.dropPresence(ctx, userID, owner)
		return ErrNoSession
	}
	reply, err := h.redis.BLPop(ctx, relayAckWait, ackKey).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: instance %s did not confirm", ErrNoSession, owner)
	}
	if err != nil {
		return err
	}
	if reply[1] != ackDelivered {
		return ErrNoSession
	}
	return nil
}

func (h *Hub) dropPresence(ctx context.Context, userID types.ID, owner string) {
	if err := dropPresenceScript.Run(ctx, h.redis, []string{presencePrefix + string(userID)}, owner).Err(); err != nil {
		h.logger.Warn("presence cleanup failed", "user_id", userID, "err", err)
	}
}

// Online reports which of ids hold a session on any instance.
func (h *Hub) Online(ctx context.Context, ids []types.ID) (map[types.ID]bool, error) {
	out := make(map[types.ID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presencePrefix + string(id)
	}
	vals, err := h.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		out[ids[i]] = v != nil
	}
	return out, nil
}

func (h *Hub) hasSession(userID types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) deliverLocal(userID types.ID, m Message) bool {
	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	b, err := json.Marshal(m)
	if err != nil {
		return false
	}
	return c.enqueue(b)
}

// Run relays messages other instances route to this one and refreshes presence of local sessions.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.redis.Subscribe(ctx, fanoutPrefix+h.instance)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	close(h.ready)

	ticker := time.NewTicker(presenceRefresh)
	defer ticker.Stop()
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("bad fan-out message", "err", err)
				continue
			}
			h.relay(ctx, env)
		case <-ticker.C:
			h.refreshPresence(ctx)
		}
	}
}

func (h *Hub) relay(ctx context.Context, env envelope) {
	reply := ackDelivered
	if !h.deliverLocal(env.UserID, env.Message) {
		reply = ackMissed
		if !h.hasSession(env.UserID) {
			h.dropPresence(ctx, env.UserID, h.instance)
		}
	}
	if env.AckKey == "" {
		return
	}
	pipe := h.redis.Pipeline()
	pipe.RPush(ctx, env.AckKey, reply)
	pipe.Expire(ctx, env.AckKey, relayAckTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		h.logger.Warn("relay ack failed", "user_id", env.UserID, "origin", env.Origin, "err", err)
	}
}

func (h *Hub) refreshPresence(ctx context.Context) {
	h.mu.RLock()
	ids := make([]types.ID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	if len(ids) == 0 {
		return
	}
	pipe := h.redis.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, presencePrefix+string(id), h.instance, presenceTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		h.logger.Warn("presence refresh failed", "err", err)
	}
}

// SocketGateway adapts the hub to the Gateway interface.
type SocketGateway struct{ hub *Hub }

func NewSocketGateway(h *Hub) SocketGateway { return SocketGateway{hub: h} }

func (g SocketGateway) Send(ctx context.Context, r Recipient, m Message) error {
	return g.hub.Send(ctx, r.UserID, m)
}
