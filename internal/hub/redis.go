package hub

import (
	"context"
	"encoding/json"
	"strings"

	"qms/patient-queue/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "queue:calls:"

func Channel(sp models.ServicePoint) string {
	return channelPrefix + string(sp)
}

// RedisRelay publishes boards on a per-service-point channel and relays every
// message it receives into the local hub, including its own. Displays attached
// to any instance see the same updates.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger
}

func NewRedisRelay(client *redis.Client, h *Hub, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{client: client, hub: h, logger: logger}
}

func (r *RedisRelay) PublishBoard(ctx context.Context, board models.CallBoard) error {
	payload, err := Encode(board)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, Channel(board.ServicePoint), payload).Err()
}

// Run subscribes to all service point channels until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info().Str("pattern", channelPrefix+"*").Msg("redis relay subscribed")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.relay(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) relay(channel string, payload []byte) {
	sp := models.ServicePoint(strings.TrimPrefix(channel, channelPrefix))
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("discard malformed relay message")
		return
	}
	if env.ServicePoint != "" {
		sp = env.ServicePoint
	}
	r.hub.Broadcast(payload, sp)
}
