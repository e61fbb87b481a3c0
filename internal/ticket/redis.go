package ticket

import (
	"context"
	"fmt"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"

	"github.com/redis/go-redis/v9"
)

// Counters expire two days after the first ticket of the day.
const redisKeyTTL = 48 * time.Hour

type RedisIssuer struct {
	client redis.Cmdable
}

func NewRedisIssuer(client redis.Cmdable) *RedisIssuer {
	return &RedisIssuer{client: client}
}

func (i *RedisIssuer) Issue(ctx context.Context, sp models.ServicePoint, day string) (Ticket, error) {
	key := sequenceRedisKey(sp, day)
	seq, err := i.client.Incr(ctx, key).Result()
	if err != nil {
		return Ticket{}, store.Unavailable(err)
	}
	if seq == 1 {
		if err := i.client.Expire(ctx, key, redisKeyTTL).Err(); err != nil {
			return Ticket{}, store.Unavailable(err)
		}
	}
	return newTicket(sp, day, seq), nil
}

func sequenceRedisKey(sp models.ServicePoint, day string) string {
	return fmt.Sprintf("ticket:seq:%s:%s", sp, day)
}
