package httpapi

import (
	"context"
	"net/http"
	"time"

	"qms/patient-queue/internal/hub"
	"qms/patient-queue/internal/metrics"
	"qms/patient-queue/internal/models"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

const snapshotTimeout = 3 * time.Second

// BoardSource produces the current call board for a service point.
type BoardSource interface {
	Board(ctx context.Context, sp models.ServicePoint) (models.CallBoard, error)
}

// NewRealtimeHandler serves SockJS sessions under /realtime. A session
// subscribes with {"action":"subscribe","service_point":"triage"}, receives
// the current board, then every later update for that service point.
func NewRealtimeHandler(h *hub.Hub, boards BoardSource, logger zerolog.Logger) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		metrics.RealtimeSessions.Inc()
		defer func() {
			h.Unregister(client)
			metrics.RealtimeSessions.Dec()
		}()

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				_ = session.Send(`{"type":"error","message":"invalid subscribe message"}`)
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}

			sp := models.ServicePoint(parsed.ServicePoint)
			h.UpdateSubscription(client, hub.Subscription{ServicePoint: sp})
			sendSnapshot(client, boards, sp, logger)
		}
	})
}

func sendSnapshot(client *hub.Client, boards BoardSource, sp models.ServicePoint, logger zerolog.Logger) {
	if boards == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	board, err := boards.Board(ctx, sp)
	if err != nil {
		logger.Warn().Err(err).Str("client_id", client.ID).Str("service_point", string(sp)).Msg("snapshot failed")
		return
	}
	payload, err := hub.Encode(board)
	if err != nil {
		logger.Error().Err(err).Msg("encode snapshot")
		return
	}
	select {
	case client.Send <- payload:
	default:
	}
}
