package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/pkg/events"
	"github.com/katiba-labs/katiba/pkg/utils"
	"github.com/katiba-labs/katiba/pkg/ws"
)

// WSGateway upgrades subscriber connections and services their envelopes.
// One connection can follow any number of bill streams.
type WSGateway struct {
	log      *zap.Logger
	manager  ws.Manager
	replayer Replayer
}

// NewWSGateway creates the WebSocket gateway.
func NewWSGateway(log *zap.Logger, manager ws.Manager, replayer Replayer) *WSGateway {
	return &WSGateway{log: log, manager: manager, replayer: replayer}
}

type subscribePayload struct {
	BillID        int64 `json:"bill_id"`
	AfterSequence int64 `json:"after_sequence"`
}

// ServeHTTP handles GET /ws.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client, conn, err := ws.NewClientFromRequest(w, r, g.log)
	if err != nil {
		// NewClientFromRequest has already written the handshake error.
		return
	}

	subscriberID := utils.NewUUIDOrDefault()
	if actorID, ok := utils.GetActorID(r.Context()); ok {
		subscriberID = actorID + ":" + subscriberID
	}
	defer func() {
		g.manager.DisconnectAll(subscriberID)
		_ = client.Close()
	}()

	for {
		var envelope events.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Warn("WebSocket read failed", zap.String("subscriber_id", subscriberID), zap.Error(err))
			}
			return
		}
		g.handleEnvelope(r.Context(), subscriberID, client, &envelope)
	}
}

// handleEnvelope services one client frame. Malformed frames get an error
// envelope back; the connection stays open.
func (g *WSGateway) handleEnvelope(ctx context.Context, subscriberID string, client ws.Client, envelope *events.Envelope) {
	if err := envelope.Validate(events.DirectionClient); err != nil {
		g.sendError(client, envelope.CorrelationID, err.Error())
		return
	}

	switch envelope.Kind {
	case events.KindSubscribe:
		var payload subscribePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.BillID <= 0 {
			g.sendError(client, envelope.CorrelationID, "subscribe needs a positive bill_id")
			return
		}
		g.manager.Subscribe(payload.BillID, subscriberID, client)
		g.send(client, &events.Envelope{
			Kind:          events.KindSubscribed,
			CorrelationID: envelope.CorrelationID,
			Direction:     events.DirectionServer,
			Timestamp:     time.Now().UnixMilli(),
		})
		// A resubscribe carries the last sequence the client saw, so the
		// gap since disconnect is replayed from the durable log.
		if payload.AfterSequence > 0 && g.replayer != nil {
			if err := g.replayer.Replay(ctx, payload.BillID, payload.AfterSequence, envelope.CorrelationID, client); err != nil {
				g.log.Error("Replay failed",
					zap.Int64("bill_id", payload.BillID),
					zap.Int64("after_sequence", payload.AfterSequence),
					zap.Error(err))
				g.sendError(client, envelope.CorrelationID, "replay failed")
			}
		}
	case events.KindUnsubscribe:
		var payload subscribePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.BillID <= 0 {
			g.sendError(client, envelope.CorrelationID, "unsubscribe needs a positive bill_id")
			return
		}
		g.manager.Unsubscribe(payload.BillID, subscriberID)
	case events.KindReplay:
		var payload subscribePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.BillID <= 0 {
			g.sendError(client, envelope.CorrelationID, "replay needs a positive bill_id")
			return
		}
		if g.replayer == nil {
			g.sendError(client, envelope.CorrelationID, "replay unavailable")
			return
		}
		if err := g.replayer.Replay(ctx, payload.BillID, payload.AfterSequence, envelope.CorrelationID, client); err != nil {
			g.log.Error("Replay failed", zap.Int64("bill_id", payload.BillID), zap.Error(err))
			g.sendError(client, envelope.CorrelationID, "replay failed")
		}
	case events.KindAck:
		// Acks are advisory; delivery bookkeeping lives in the event log.
	}
}

func (g *WSGateway) send(client ws.Client, envelope *events.Envelope) {
	if err := client.Send(envelope); err != nil {
		g.log.Warn("Failed to send envelope", zap.String("kind", envelope.Kind), zap.Error(err))
	}
}

func (g *WSGateway) sendError(client ws.Client, correlationID, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	g.send(client, &events.Envelope{
		Kind:          events.KindError,
		CorrelationID: correlationID,
		Direction:     events.DirectionServer,
		Payload:       payload,
		Timestamp:     time.Now().UnixMilli(),
	})
}
