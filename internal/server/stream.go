package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/domain"
)

// streamCheckpointCounts upgrades to a websocket and pushes a CheckpointCountsResponse
// each time the checkpoint index changes. The client only ever reads.
func (s *service) streamCheckpointCounts(w http.ResponseWriter, r *http.Request) {
	if _, authErr := actorIDFromContext(r.Context()); authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	counter, err := s.ws.CheckpointCounter()
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, string(domain.KindCheckpointFailure), err.Error(), nil))
		return
	}
	log := s.ws.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("request_id", requestIDFromContext(r.Context()))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	err = counter.Watch(ctx, func(c domain.CheckpointCounts) {
		data, err := json.Marshal(CheckpointCountsResponse{Manual: c.Manual, Auto: c.Auto, Display: checkpoint.FormatCounts(c)})
		if err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			log.Debug("count stream write failed", "error", err)
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("checkpoint watch failed", "error", err)
		conn.Close(websocket.StatusInternalError, "watch failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
