package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/exchange-api/internal/types"
)

// Notifier delivers order status callbacks to the URL supplied on the order.
// Delivery is best effort: failures are logged and never retried, and the
// caller is never blocked on the HTTP round trip.
type Notifier struct {
	client *http.Client
}

func NewNotifier() *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type orderCallback struct {
	OrderID           string    `json:"order_id"`
	MarketCode        string    `json:"market_code"`
	ISIN              string    `json:"isin"`
	Side              string    `json:"side"`
	Status            string    `json:"status"`
	FilledQuantity    string    `json:"filled_quantity"`
	RemainingQuantity string    `json:"remaining_quantity"`
	Timestamp         time.Time `json:"timestamp"`
}

// OrderUpdated posts the order's current state to its callback URL, if one
// was provided. The post happens on a separate goroutine.
func (n *Notifier) OrderUpdated(order *types.Order) {
	if order == nil || order.CallbackURL == "" {
		return
	}

	payload := orderCallback{
		OrderID:           order.OrderID,
		MarketCode:        order.MarketCode,
		ISIN:              order.ISIN,
		Side:              string(order.Side),
		Status:            string(order.Status),
		FilledQuantity:    order.FilledQuantity.String(),
		RemainingQuantity: order.RemainingQuantity.String(),
		Timestamp:         time.Now(),
	}

	url := order.CallbackURL
	go func() {
		logger := log.With().
			Str("component", "notifier").
			Str("order_id", payload.OrderID).
			Str("url", url).
			Logger()

		body, err := json.Marshal(payload)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode callback payload")
			return
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			logger.Warn().Err(err).Msg("callback delivery failed")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			logger.Warn().Int("status", resp.StatusCode).Msg("callback rejected")
			return
		}
		logger.Debug().Int("status", resp.StatusCode).Msg("callback delivered")
	}()
}
