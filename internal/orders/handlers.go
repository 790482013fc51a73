package orders

import (
	"github.com/gin-gonic/gin"

	"github.com/tradeforge/exchange-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to place new orders.
// The order is validated and admitted synchronously; fulfillment runs
// asynchronously after the response is sent.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.Initialize(c.Request.Context(), &req)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for an order and its status history.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		details, err := h.service.GetOrder(orderID)
		response.Handle(c, details, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel open orders.
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.Cancel(c.Request.Context(), orderID)
		response.Handle(c, order, err)
	}
}

// DepthHandler handles GET requests for a market's depth snapshot.
// URL parameter: market
func (h *GinHandlers) DepthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		depth, err := h.service.Depth(c.Request.Context(), c.Param("market"))
		response.Handle(c, depth, err)
	}
}

// ExecuteOrderHandler handles POST requests to re-drive execution of an
// existing order. Internal use only.
// URL parameter: order_id
func (h *GinHandlers) ExecuteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.Execute(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// BookSizeHandler handles GET requests for the number of resting orders in a
// market's book. Internal use only.
// URL parameter: market
func (h *GinHandlers) BookSizeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := h.service.books.ForMarket(c.Param("market"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{
			"market": b.Market(),
			"size":   b.Size(),
		})
	}
}

// ClearBookHandler handles POST requests to empty a market's book. Persisted
// orders are untouched; a restart warm-loads them back. Internal use only.
// URL parameter: market
func (h *GinHandlers) ClearBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := h.service.books.ForMarket(c.Param("market"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		b.Clear()
		h.service.refreshDepth(c.Request.Context(), b)
		response.Success(c, gin.H{"market": b.Market(), "cleared": true})
	}
}
