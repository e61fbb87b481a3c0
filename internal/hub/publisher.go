package hub

import (
	"context"

	"qms/patient-queue/internal/models"
)

// LocalPublisher pushes boards straight into the in-process hub. It is used
// when no Redis relay is configured.
type LocalPublisher struct {
	hub *Hub
}

func NewLocalPublisher(h *Hub) *LocalPublisher {
	return &LocalPublisher{hub: h}
}

func (p *LocalPublisher) PublishBoard(ctx context.Context, board models.CallBoard) error {
	payload, err := Encode(board)
	if err != nil {
		return err
	}
	p.hub.Broadcast(payload, board.ServicePoint)
	return nil
}
