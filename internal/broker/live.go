package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/quantrail/scalpd/internal/kv"
)

const (
	liveCallTimeout = 10 * time.Second
	pollInterval    = time.Second
	pollDeadline    = 60 * time.Second
)

// Live places orders against the broker's REST API. Calls go through a
// circuit breaker so a flapping upstream fails fast instead of stalling the
// risk loop. Orders accepted as PENDING are handed to the Monitor, which
// polls them to a terminal FILLED or REJECTED state.
type Live struct {
	http      *resty.Client
	breaker   *gobreaker.CircuitBreaker
	store     kv.Store
	keys      kv.Keys
	registry  *Registry
	monitor   *Monitor
	sessionID string
	log       zerolog.Logger
	now       func() time.Time
}

// NewLive creates the live broker. fills receives every terminal fill,
// whether immediate or resolved later by the monitor.
func NewLive(baseURL, accessToken, clientID string, store kv.Store, keys kv.Keys, fills FillHandler, sessionID string, logger zerolog.Logger) *Live {
	log := logger.With().Str("component", "live_broker").Logger()

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(liveCallTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("access-token", accessToken).
		SetHeader("client-id", clientID)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "live-broker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	live := &Live{
		http:      client,
		breaker:   breaker,
		store:     store,
		keys:      keys,
		registry:  NewRegistry(store, keys, logger),
		sessionID: sessionID,
		log:       log,
		now:       time.Now,
	}
	live.monitor = newMonitor(live, fills, log)
	return live
}

var _ Broker = (*Live)(nil)

// Monitor returns the pending-order monitor; the app runs it as a worker.
func (l *Live) Monitor() *Monitor { return l.monitor }

type orderResponse struct {
	OrderID  string `json:"orderId"`
	Status   string `json:"orderStatus"`
	AvgPrice string `json:"averageTradedPrice"`
	Message  string `json:"omsErrorDescription"`
}

// PlaceOrder submits the order upstream. A replayed idempotency key returns
// the prior order without touching the API.
func (l *Live) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if prior, ok := l.registry.Lookup(ctx, req.IdempotencyKey); ok {
		l.log.Info().
			Str("key", req.IdempotencyKey).
			Str("order_id", prior.ID).
			Msg("idempotency replay, returning prior order")
		return prior, nil
	}

	payload := map[string]any{
		"exchangeSegment": req.Segment,
		"securityId":      req.SecurityID,
		"transactionType": string(req.Side),
		"quantity":        req.Quantity,
		"orderType":       string(req.Type),
		"productType":     "INTRADAY",
	}
	if req.Type == TypeLimit {
		payload["price"] = req.Price.String()
	}

	resp, err := l.execute(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(payload).SetResult(&orderResponse{}).Post("/orders")
	})
	if err != nil {
		return Order{}, err
	}

	body, _ := resp.Result().(*orderResponse)
	if body == nil || body.OrderID == "" {
		return Order{}, fmt.Errorf("%w: empty order response", ErrRejected)
	}

	order := Order{
		ID:         body.OrderID,
		Segment:    req.Segment,
		SecurityID: req.SecurityID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Status:     mapStatus(body.Status),
		Reason:     body.Message,
		Tag:        req.Tag,
		PlacedAt:   l.now().UTC(),
	}
	if price, perr := decimal.NewFromString(body.AvgPrice); perr == nil {
		order.AvgPrice = price
	}

	if err := PersistOrder(ctx, l.store, l.keys, "live", l.sessionID, order); err != nil {
		l.log.Warn().Err(err).Str("order_id", order.ID).Msg("order persist failed")
	}
	if order.Status != StatusRejected {
		l.registry.Register(ctx, req.IdempotencyKey, order)
	}

	switch order.Status {
	case StatusRejected:
		return order, fmt.Errorf("order %s: %w: %s", order.ID, ErrRejected, order.Reason)
	case StatusPending:
		l.monitor.Track(order)
	case StatusFilled:
		if err := l.monitor.fills.ApplyFill(ctx, order); err != nil {
			l.log.Error().Err(err).Str("order_id", order.ID).Msg("fill apply failed")
		}
	}
	return order, nil
}

// fetchStatus polls one order's upstream state.
func (l *Live) fetchStatus(ctx context.Context, orderID string) (orderResponse, error) {
	resp, err := l.execute(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&orderResponse{}).Get("/orders/" + orderID)
	})
	if err != nil {
		return orderResponse{}, err
	}
	body, _ := resp.Result().(*orderResponse)
	if body == nil {
		return orderResponse{}, fmt.Errorf("order %s: empty status response", orderID)
	}
	return *body, nil
}

// execute runs one HTTP call through the circuit breaker and normalizes
// throttling and rejection into the package's sentinel errors.
func (l *Live) execute(ctx context.Context, call func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	res, err := l.breaker.Execute(func() (any, error) {
		resp, err := call(l.http.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode() == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: status 429", ErrRateLimited)
		case resp.StatusCode() >= 400:
			return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode(), resp.String())
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*resty.Response), nil
}

func mapStatus(upstream string) Status {
	switch upstream {
	case "TRADED", "FILLED", "COMPLETE":
		return StatusFilled
	case "REJECTED", "CANCELLED", "EXPIRED":
		return StatusRejected
	default:
		return StatusPending
	}
}
