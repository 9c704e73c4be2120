package realtime

import (
	"context"
	"encoding/json"
	"time"

	"shuttlechat/cmd/internal/chat"
	"shuttlechat/cmd/internal/presence"
	v1 "shuttlechat/shared/contracts/chat/v1"
)

// The gateway is the chat.EventSink: pipeline events become envelopes pushed
// to each recipient's open sessions. Offline recipients are dropped here;
// their messages stay in the created state until the delivery sweep.

// MessageNew fans a newly accepted message out to the other participants.
func (g *WSGateway) MessageNew(recipients []string, m chat.Message) {
	g.push(recipients, v1.TypeMessageNew, messagePayload(m))
}

// MessageDelivered sends a delivery receipt, normally to the sender.
func (g *WSGateway) MessageDelivered(recipients []string, m chat.Message) {
	g.push(recipients, v1.TypeMessageDelivered, messagePayload(m))
}

// MessageRead sends a read receipt, normally to the sender.
func (g *WSGateway) MessageRead(recipients []string, m chat.Message) {
	g.push(recipients, v1.TypeMessageRead, messagePayload(m))
}

// TypingChanged relays a composing signal to the other participants.
func (g *WSGateway) TypingChanged(recipients []string, t chat.TypingIndicator) {
	g.push(recipients, v1.TypeTypingState, v1.TypingStatePayload{
		ConversationID: t.ConversationID,
		UserID:         t.UserID,
		Typing:         t.Typing,
		At:             t.UpdatedAt,
	})
}

// OnPresenceChange notifies the peers of a user whose presence flipped.
// Wired as the presence registry's change callback.
func (g *WSGateway) OnPresenceChange(ev presence.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peers, err := g.svc.PeersOf(ctx, ev.UserID)
	if err != nil {
		g.log.Error("presence.peers.fail", "user_id", ev.UserID, "err", err)
		return
	}
	g.push(peers, v1.TypePresenceUpdate, v1.PresenceUpdatePayload{
		UserID:   ev.UserID,
		Online:   ev.Online,
		LastSeen: ev.LastSeen,
	})
}

func (g *WSGateway) push(recipients []string, typ string, payload any) {
	if len(recipients) == 0 {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		g.log.Error("ws.push.marshal", "type", typ, "err", err)
		return
	}
	g.hub.Push(recipients, newEnvelope(typ, raw, time.Now().UTC()))
}

func messagePayload(m chat.Message) v1.MessagePayload {
	return v1.MessagePayload{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Kind:           string(m.Kind),
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
	}
}
