package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/game"
)

const wsRequestTimeout = 5 * time.Second

type wsInbound struct {
	Type        string              `json:"type"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	AutoCashout decimal.NullDecimal `json:"auto_cashout"`
}

// gameWebSocketHandler streams a table's rounds to one client and accepts
// bets and cashouts on the same socket.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")
	name := conn.Query("table", s.defaultTable)
	log := s.log.With(zap.String("user_id", userID), zap.String("table", name))

	t, ok := s.tables[name]
	if !ok || t.Hub == nil {
		log.Warn("websocket for unknown table")
		_ = conn.WriteJSON(game.WSMessage{Type: "error", Data: "unknown table"})
		_ = conn.Close()
		return
	}

	client := t.Hub.RegisterClient(conn, userID)
	defer t.Hub.UnregisterClient(client)

	if snap, ok := t.Manager.Engine().Status(time.Now()); ok {
		client.Send(game.WSMessage{Type: "initial_state", Data: snap})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Debug("websocket read ended", zap.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var in wsInbound
		if err := json.Unmarshal(message, &in); err != nil {
			client.Send(game.WSMessage{Type: "error", Data: "malformed message"})
			continue
		}

		switch in.Type {
		case "place_bet":
			ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
			resp, err := t.Manager.PlaceBet(ctx, game.BetRequest{
				UserID:      userID,
				Amount:      in.Amount,
				Currency:    in.Currency,
				AutoCashout: in.AutoCashout,
			})
			cancel()
			if err != nil && statusOf(err) >= 500 {
				log.Error("websocket bet failed", zap.Error(err))
			}
			client.Send(game.WSMessage{Type: "bet_result", Data: resp})

		case "cashout":
			ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
			resp, err := t.Manager.Cashout(ctx, game.CashoutRequest{UserID: userID})
			cancel()
			if err != nil && statusOf(err) >= 500 {
				log.Error("websocket cashout failed", zap.Error(err))
			}
			client.Send(game.WSMessage{Type: "cashout_result", Data: resp})

		case "ping":
			client.Send(game.WSMessage{Type: "pong"})
		}
	}
}
