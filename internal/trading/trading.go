package trading

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ksred/klear-dex/internal/stream"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/ksred/klear-dex/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrInvalidOrder = types.ErrInvalidOrder

// Submitter hands order ids to the job queue
type Submitter interface {
	Submit(ctx context.Context, id string) (bool, error)
	Resubmit(ctx context.Context, id string, attempt int) (bool, error)
	Outstanding(id string) bool
}

// Streamer attaches websocket subscribers to order update streams
type Streamer interface {
	Attach(ctx context.Context, orderID string, sub stream.Subscriber) error
	Unsubscribe(orderID string, sub stream.Subscriber)
	ReleaseAfter(orderID string, delay time.Duration)
}

// Service handles order intake, lookups and update subscriptions
type Service struct {
	db           *Database
	queue        Submitter
	streams      Streamer
	validate     *validator.Validate
	releaseDelay time.Duration
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, queue Submitter, streams Streamer, releaseDelay time.Duration) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		queue:        queue,
		streams:      streams,
		validate:     validator.New(),
		releaseDelay: releaseDelay,
	}
}

// DB exposes the repository the pipeline and recovery sweep share
func (s *Service) DB() *Database {
	return s.db
}

// CreateOrder validates and persists an order, then queues it for execution.
// A repeated idempotency key returns the order created for it instead of a new one.
func (s *Service) CreateOrder(ctx context.Context, req OrderRequest, idempotencyKey string) (*types.Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil {
			log.Debug().
				Str("idempotency_key", idempotencyKey).
				Str("order_id", record.ResourceID).
				Msg("returning order for repeated idempotency key")
			return s.db.LoadOrder(ctx, record.ResourceID)
		}
	}

	order := req.toOrder(uuid.New().String())

	var err error
	if idempotencyKey != "" {
		err = s.db.CreateOrderWithIdempotency(ctx, order, idempotencyKey)
	} else {
		err = s.db.CreateOrder(ctx, order)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) && idempotencyKey != "" {
		// another request claimed the key between our lookup and insert
		record, rerr := s.db.GetIdempotencyRecord(ctx, idempotencyKey)
		if rerr == nil && record != nil {
			return s.db.LoadOrder(ctx, record.ResourceID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if _, err := s.queue.Submit(ctx, order.OrderID); err != nil {
		if ferr := order.Fail("order could not be queued"); ferr == nil {
			if serr := s.db.SaveOrder(context.WithoutCancel(ctx), order); serr != nil {
				log.Error().Err(serr).Str("order_id", order.OrderID).Msg("failed to record queueing failure")
			}
		}
		return nil, fmt.Errorf("queue order %s: %w", order.OrderID, err)
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("pair", order.TokenIn+"/"+order.TokenOut).
		Float64("amount", order.Amount).
		Float64("slippage", order.Slippage).
		Msg("order accepted")

	return order, nil
}

// GetOrder retrieves an order by its ID
func (s *Service) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	return s.db.LoadOrder(ctx, orderID)
}

// GetQuotes returns the quotes recorded for an existing order
func (s *Service) GetQuotes(ctx context.Context, orderID string) ([]types.Quote, error) {
	if _, err := s.db.LoadOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.db.ListQuotes(ctx, orderID)
}

// Subscribe attaches sub to the update stream of orderID. When the order has already reached
// its final outcome the subscriber is released after the grace delay.
func (s *Service) Subscribe(ctx context.Context, orderID string, sub stream.Subscriber) error {
	if err := s.streams.Attach(ctx, orderID, sub); err != nil {
		return err
	}

	order, err := s.db.LoadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if s.finished(order) {
		s.streams.ReleaseAfter(orderID, s.releaseDelay)
	}
	return nil
}

// finished reports whether no further updates will be published for order
func (s *Service) finished(order *types.Order) bool {
	switch order.Status {
	case types.StatusConfirmed:
		return true
	case types.StatusFailed:
		return !s.queue.Outstanding(order.OrderID)
	default:
		return false
	}
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service  *Service
	upgrader websocket.Upgrader
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ExecuteOrderHandler handles POST requests that submit a swap for execution.
// An optional Idempotency-Key header makes retries of the same request safe.
func (h *GinHandlers) ExecuteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, OrderAccepted{
			OrderID: order.OrderID,
			Status:  order.Status,
			WsURL:   "/api/v1/orders/" + order.OrderID + "/ws",
		})
	}
}

// GetOrderHandler handles GET requests for an order snapshot
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// GetQuotesHandler handles GET requests for the quotes an order was routed on
func (h *GinHandlers) GetQuotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		quotes, err := h.service.GetQuotes(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, quotes, err)
	}
}

// StreamHandler upgrades to a websocket and streams the order's status updates,
// starting with anything published before the client connected.
func (h *GinHandlers) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		logger := log.With().Str("component", "ws").Str("order_id", orderID).Logger()

		if _, err := h.service.GetOrder(c.Request.Context(), orderID); err != nil {
			response.Handle(c, nil, err)
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// the upgrader has already replied to the client
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		sub := stream.NewWebsocketSubscriber(conn)
		ctx := context.WithoutCancel(c.Request.Context())
		if err := h.service.Subscribe(ctx, orderID, sub); err != nil {
			logger.Warn().Err(err).Msg("subscriber attach failed")
			_ = sub.Close()
			return
		}
		logger.Info().Msg("subscriber attached")

		sub.Run(func() {
			h.service.streams.Unsubscribe(orderID, sub)
			logger.Info().Msg("subscriber detached")
		})
	}
}
