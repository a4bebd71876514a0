// Package alert delivers signed webhook notifications, and optionally
// mail, when the publisher sees a conflicting or unverifiable published
// manifest.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgerpublisher/internal/metrics"
	"go.uber.org/zap"
)

// Event types.
const (
	EventPublishConflict  = "publish.conflict"
	EventPublishAbstain   = "publish.abstain"
	EventWatchConflict    = "watch.conflict"
	EventWatchUnreachable = "watch.unreachable"
	EventWatchRecovered   = "watch.recovered"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ledgerpub-Signature"

// Event is the JSON body POSTed to every target.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Config lists the webhook and mail targets.
type Config struct {
	URLs   []string
	Secret string
	// Emails receive every event through Mailer. Ignored when Mailer is nil.
	Emails []string
	Mailer Mailer
	// Delays before each retry. Defaults to 1s, 5s, 25s.
	Delays  []time.Duration
	Timeout time.Duration
}

// Notifier fans events out to the configured URLs.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// New creates a Notifier. With no targets every Dispatch is a no-op.
func New(cfg Config, logger *zap.Logger) *Notifier {
	if cfg.Delays == nil {
		cfg.Delays = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Dispatch sends the event to every target in the background. Call Wait
// before exiting to let deliveries finish.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if n == nil || (len(n.cfg.URLs) == 0 && !n.mailEnabled()) {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("alert: marshal event", zap.Error(err))
		return
	}
	signature := Sign(body, n.cfg.Secret)

	// Deliveries outlive the caller's request.
	ctx = context.WithoutCancel(ctx)
	for _, url := range n.cfg.URLs {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(ctx, url, event, body, signature)
		}(url)
	}
	if n.mailEnabled() {
		subject, text := formatMail(event)
		for _, to := range n.cfg.Emails {
			n.wg.Add(1)
			go func(to string) {
				defer n.wg.Done()
				err := n.cfg.Mailer.Send(ctx, to, subject, text)
				metrics.RecordAlertDelivery(err == nil)
				if err != nil {
					n.logger.Warn("alert: mail failed", zap.String("to", to), zap.String("event", eventType), zap.Error(err))
				}
			}(to)
		}
	}
}

func (n *Notifier) mailEnabled() bool {
	return n.cfg.Mailer != nil && len(n.cfg.Emails) > 0
}

// Wait blocks until every in-flight delivery has finished or given up.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

// deliver posts to one target, retrying after each configured delay.
func (n *Notifier) deliver(ctx context.Context, url string, event Event, body []byte, signature string) {
	for attempt := 0; attempt <= len(n.cfg.Delays); attempt++ {
		if attempt > 0 {
			time.Sleep(n.cfg.Delays[attempt-1])
		}

		status, err := n.post(ctx, url, body, signature)
		success := err == nil && status >= 200 && status < 300
		metrics.RecordAlertDelivery(success)
		if success {
			return
		}

		errMsg := fmt.Sprintf("HTTP %d", status)
		if err != nil {
			errMsg = err.Error()
		}
		n.logger.Warn("alert: delivery failed",
			zap.String("url", url),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
	n.logger.Error("alert: giving up", zap.String("url", url), zap.String("event_id", event.ID))
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck
	return resp.StatusCode, nil
}

// Sign returns "sha256=<hex hmac>" of body, or "" when secret is empty.
func Sign(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the valid Sign output for body.
func Verify(body []byte, secret, signature string) bool {
	want := Sign(body, secret)
	return want != "" && hmac.Equal([]byte(want), []byte(signature))
}
