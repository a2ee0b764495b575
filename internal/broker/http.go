package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/observ"
)

// HTTPConfig configures the live broker client.
type HTTPConfig struct {
	BaseURL     string
	KeyID       string
	Secret      string
	Timeout     time.Duration
	MaxRetries  int // attempts beyond the first
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// HTTP talks to the broker's REST API. Transient failures (network errors,
// 5xx, 429) are retried with exponential backoff up to MaxRetries; an
// exhausted retry budget surfaces as an unavailable Error so the engine can
// emit BROKER_UNAVAILABLE instead of pretending the call succeeded.
type HTTP struct {
	client    *resty.Client
	formatter Formatter
	log       zerolog.Logger
}

// NewHTTP builds the client. Credentials are required; refusing to start
// beats submitting unauthenticated orders.
func NewHTTP(cfg HTTPConfig, formatter Formatter, log zerolog.Logger) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: broker base_url is unset", domain.ErrConfiguration)
	}
	if cfg.KeyID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("%w: broker credentials are unset", domain.ErrConfiguration)
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.BackoffBase).
		SetRetryMaxWaitTime(cfg.BackoffMax).
		SetHeader("APCA-API-KEY-ID", cfg.KeyID).
		SetHeader("APCA-API-SECRET-KEY", cfg.Secret).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= http.StatusInternalServerError ||
				r.StatusCode() == http.StatusTooManyRequests
		})

	return &HTTP{
		client:    client,
		formatter: formatter,
		log:       log.With().Str("component", "broker_http").Logger(),
	}, nil
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	AssetClass    string `json:"asset_class"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPnL string `json:"unrealized_pl"`
}

type wireOrder struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
}

type wireOrderAck struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	FilledAt       string `json:"filled_at"`
}

type wireTrade struct {
	Trade struct {
		Price float64 `json:"p"`
	} `json:"trade"`
}

// ListPositions fetches the broker's open positions.
func (h *HTTP) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var wire []wirePosition
	resp, err := h.client.R().SetContext(ctx).SetResult(&wire).Get("/v2/positions")
	if err := h.checkResponse("list_positions", "", resp, err); err != nil {
		return nil, err
	}

	positions := make([]domain.Position, 0, len(wire))
	for _, wp := range wire {
		pos, err := wp.toDomain(h.formatter)
		if err != nil {
			h.log.Warn().Err(err).Str("symbol", wp.Symbol).Msg("skipping unparseable broker position")
			observ.IncCounter("broker_bad_positions_total", nil)
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (wp wirePosition) toDomain(f Formatter) (domain.Position, error) {
	class := domain.AssetClass(wp.AssetClass)
	if !class.Valid() {
		return domain.Position{}, fmt.Errorf("unknown asset class %q", wp.AssetClass)
	}
	qty, err := decimal.NewFromString(wp.Qty)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad qty %q: %w", wp.Qty, err)
	}
	avg, err := decimal.NewFromString(wp.AvgEntryPrice)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad avg_entry_price %q: %w", wp.AvgEntryPrice, err)
	}
	mv, err := decimal.NewFromString(wp.MarketValue)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad market_value %q: %w", wp.MarketValue, err)
	}
	upl, err := decimal.NewFromString(wp.UnrealizedPnL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad unrealized_pl %q: %w", wp.UnrealizedPnL, err)
	}
	return domain.Position{
		Symbol:        f.FromBroker(class, wp.Symbol),
		AssetClass:    class,
		Quantity:      qty,
		AvgEntryPrice: avg,
		MarketValue:   mv,
		UnrealizedPnL: upl,
	}, nil
}

// SubmitOrder places a market order and waits for the synchronous ack. An
// ack that is not filled is treated as a rejection, not a success.
func (h *HTTP) SubmitOrder(ctx context.Context, order Order) (Fill, error) {
	body := wireOrder{
		Symbol:      h.formatter.ForBroker(order.AssetClass, order.Symbol),
		Qty:         order.Quantity.String(),
		Side:        string(order.Side),
		Type:        "market",
		TimeInForce: "gtc",
	}

	var ack wireOrderAck
	resp, err := h.client.R().SetContext(ctx).SetBody(body).SetResult(&ack).Post("/v2/orders")
	if err := h.checkResponse("submit_order", order.Symbol, resp, err); err != nil {
		return Fill{}, err
	}

	if ack.Status != "filled" {
		return Fill{}, &Error{Kind: KindRejected, Op: "submit_order", Symbol: order.Symbol,
			Message: fmt.Sprintf("order not filled, status %q", ack.Status)}
	}
	qty, err := decimal.NewFromString(ack.FilledQty)
	if err != nil {
		return Fill{}, &Error{Kind: KindRejected, Op: "submit_order", Symbol: order.Symbol,
			Message: fmt.Sprintf("unparseable filled_qty %q", ack.FilledQty), Cause: err}
	}
	price, err := decimal.NewFromString(ack.FilledAvgPrice)
	if err != nil {
		return Fill{}, &Error{Kind: KindRejected, Op: "submit_order", Symbol: order.Symbol,
			Message: fmt.Sprintf("unparseable filled_avg_price %q", ack.FilledAvgPrice), Cause: err}
	}
	filledAt, err := time.Parse(time.RFC3339, ack.FilledAt)
	if err != nil {
		filledAt = time.Now().UTC()
	}

	return Fill{
		OrderID:  ack.ID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: qty,
		Price:    price,
		FilledAt: filledAt,
	}, nil
}

// LastPrice fetches the latest trade price.
func (h *HTTP) LastPrice(ctx context.Context, symbol string, class domain.AssetClass) (decimal.Decimal, error) {
	var wire wireTrade
	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(&wire).
		SetPathParam("symbol", h.formatter.ForBroker(class, symbol)).
		Get("/v2/trades/{symbol}/latest")
	if err := h.checkResponse("last_price", symbol, resp, err); err != nil {
		return decimal.Zero, err
	}
	if wire.Trade.Price <= 0 {
		return decimal.Zero, &Error{Kind: KindBadSymbol, Op: "last_price", Symbol: symbol, Message: "no trade price returned"}
	}
	return decimal.NewFromFloat(wire.Trade.Price), nil
}

// checkResponse maps transport and HTTP failures onto typed broker errors.
// err is non-nil only once resty has exhausted its retry budget.
func (h *HTTP) checkResponse(op, symbol string, resp *resty.Response, err error) error {
	if err != nil {
		observ.IncCounter("broker_unavailable_total", map[string]string{"op": op})
		return &Error{Kind: KindUnavailable, Op: op, Symbol: symbol, Message: "retries exhausted", Cause: err}
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return &Error{Kind: KindBadSymbol, Op: op, Symbol: symbol, Message: "unknown symbol"}
	case resp.StatusCode() >= http.StatusInternalServerError, resp.StatusCode() == http.StatusTooManyRequests:
		observ.IncCounter("broker_unavailable_total", map[string]string{"op": op})
		return &Error{Kind: KindUnavailable, Op: op, Symbol: symbol,
			Message: fmt.Sprintf("status %d after retries", resp.StatusCode())}
	case resp.StatusCode() >= http.StatusBadRequest:
		return &Error{Kind: KindRejected, Op: op, Symbol: symbol,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	return nil
}
