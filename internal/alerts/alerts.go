package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/observ"
)

// Sink accepts structured alerts. Implementations must be non-blocking for
// callers: the reconciler and the execution path fire alerts from hot code.
type Sink interface {
	Send(alert domain.Alert)
}

// Nop discards alerts; used in tests and when alerting is disabled.
type Nop struct{}

func (Nop) Send(domain.Alert) {}

// Config for the webhook sink.
type Config struct {
	WebhookURL     string
	DedupeWindow   time.Duration // identical keys suppressed within this window
	RatePerMinute  int           // global send budget
	QueueSize      int
	RequestTimeout time.Duration
}

// Webhook posts alerts to a Slack-compatible webhook. Identical alert keys
// are suppressed within the dedupe window and sends are globally
// rate-limited, because repeated identical warnings flooding the channel was
// an operational problem, not a hypothetical.
type Webhook struct {
	cfg        Config
	httpClient *http.Client
	queue      chan domain.Alert
	limiter    *rate.Limiter
	log        zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebhook starts the sink's worker goroutine.
func NewWebhook(cfg Config, log zerolog.Logger) *Webhook {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Minute
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		queue:      make(chan domain.Alert, cfg.QueueSize),
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute),
		log:        log.With().Str("component", "alerts").Logger(),
		lastSent:   make(map[string]time.Time),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go w.worker(ctx)
	return w
}

// Send enqueues an alert. Duplicates within the window and overflow beyond
// the queue are dropped (and counted), never blocked on.
func (w *Webhook) Send(alert domain.Alert) {
	if w.suppressed(alert.Key) {
		observ.IncCounter("alerts_deduped_total", nil)
		return
	}
	select {
	case w.queue <- alert:
	default:
		observ.IncCounter("alerts_dropped_total", nil)
		w.log.Warn().Str("key", alert.Key).Msg("alert queue full, dropping")
	}
}

func (w *Webhook) suppressed(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if last, ok := w.lastSent[key]; ok && now.Sub(last) < w.cfg.DedupeWindow {
		return true
	}
	w.lastSent[key] = now

	// Opportunistic cleanup of expired keys.
	for k, t := range w.lastSent {
		if now.Sub(t) > 2*w.cfg.DedupeWindow {
			delete(w.lastSent, k)
		}
	}
	return false
}

func (w *Webhook) worker(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-w.queue:
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			w.post(ctx, alert)
		}
	}
}

func (w *Webhook) post(ctx context.Context, alert domain.Alert) {
	payload := map[string]string{
		"text": "[" + alert.Severity + "] " + alert.Message +
			func() string {
				if alert.RecommendedAction == "" {
					return ""
				}
				return "\nrecommended: " + alert.RecommendedAction
			}(),
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		w.log.Error().Err(err).Msg("building webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		observ.IncCounter("alerts_webhook_errors_total", nil)
		w.log.Error().Err(err).Str("key", alert.Key).Msg("posting alert")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		observ.IncCounter("alerts_webhook_errors_total", nil)
		w.log.Error().Int("status", resp.StatusCode).Str("key", alert.Key).Msg("webhook rejected alert")
		return
	}
	observ.IncCounter("alerts_sent_total", map[string]string{"severity": alert.Severity})
}

// Close stops the worker. Queued alerts that have not been posted are
// dropped; alerting is best-effort by design.
func (w *Webhook) Close() {
	w.cancel()
	<-w.done
}
