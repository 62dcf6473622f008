package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hackgods/medication-adherence/internal/config"
)

// Delivery is a single rendered send on one channel.
type Delivery struct {
	NotificationID uuid.UUID
	To             string
	Subject        string
	Body           string
	Priority       Priority
	Data           map[string]any
}

// Gateway sends on one channel and returns the provider's message id.
type Gateway interface {
	Channel() string
	Send(ctx context.Context, d Delivery) (string, error)
}

// GatewayError wraps a failed send. Retryable errors are rescheduled; the
// rest fail the notification.
type GatewayError struct {
	Channel   string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s gateway (%s): %v", e.Channel, kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsRetryable treats unknown errors as transient.
func IsRetryable(err error) bool {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Retryable
	}
	return true
}

// SMTP

type SMTPGateway struct {
	cfg  config.SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPGateway(cfg config.SMTPConfig) *SMTPGateway {
	return &SMTPGateway{cfg: cfg, send: smtp.SendMail}
}

func (g *SMTPGateway) Channel() string { return "email" }

func (g *SMTPGateway) Send(_ context.Context, d Delivery) (string, error) {
	host := g.cfg.Host
	msgID := fmt.Sprintf("<%s@%s>", d.NotificationID, host)
	msg := []byte(
		fmt.Sprintf("From: %s\r\n", g.cfg.From) +
			fmt.Sprintf("To: %s\r\n", d.To) +
			fmt.Sprintf("Subject: %s\r\n", d.Subject) +
			fmt.Sprintf("Message-ID: %s\r\n", msgID) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
			"\r\n" +
			d.Body,
	)

	var auth smtp.Auth
	if g.cfg.Username != "" {
		auth = smtp.PlainAuth("", g.cfg.Username, g.cfg.Password, host)
	}
	if err := g.send(host+":"+g.cfg.Port, auth, g.cfg.From, []string{d.To}, msg); err != nil {
		// 5xx replies are permanent rejections (bad mailbox, policy).
		var perr *textproto.Error
		retryable := !(errors.As(err, &perr) && perr.Code >= 500)
		return "", &GatewayError{Channel: g.Channel(), Retryable: retryable, Err: err}
	}
	return msgID, nil
}

// HTTP gateways

type providerResponse struct {
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

func doProviderRequest(client *http.Client, req *http.Request, channel string) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", &GatewayError{Channel: channel, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", &GatewayError{
			Channel:   channel,
			Retryable: retryable,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var pr providerResponse
	if err := json.Unmarshal(body, &pr); err == nil {
		if pr.MessageID != "" {
			return pr.MessageID, nil
		}
		if pr.ID != "" {
			return pr.ID, nil
		}
	}
	return "", nil
}

// SMSGateway posts form data to an SMS provider.
type SMSGateway struct {
	cfg    config.SMSConfig
	client *http.Client
}

func NewSMSGateway(cfg config.SMSConfig) *SMSGateway {
	return &SMSGateway{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (g *SMSGateway) Channel() string { return "sms" }

func (g *SMSGateway) Send(ctx context.Context, d Delivery) (string, error) {
	form := url.Values{}
	form.Set("senderid", g.cfg.SenderID)
	form.Set("mobile", d.To)
	form.Set("msg", d.Body)
	form.Set("reference", d.NotificationID.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &GatewayError{Channel: g.Channel(), Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if g.cfg.APIKey != "" {
		req.Header.Set("apikey", g.cfg.APIKey)
	}
	return doProviderRequest(g.client, req, g.Channel())
}

// PushGateway posts JSON to a push relay that fans out to device tokens.
type PushGateway struct {
	cfg    config.PushConfig
	client *http.Client
}

func NewPushGateway(cfg config.PushConfig) *PushGateway {
	return &PushGateway{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (g *PushGateway) Channel() string { return "push" }

func (g *PushGateway) Send(ctx context.Context, d Delivery) (string, error) {
	payload := map[string]any{
		"token":    d.To,
		"title":    d.Subject,
		"body":     d.Body,
		"priority": d.Priority,
		"data":     d.Data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", &GatewayError{Channel: g.Channel(), Err: fmt.Errorf("encode payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.GatewayURL, bytes.NewReader(raw))
	if err != nil {
		return "", &GatewayError{Channel: g.Channel(), Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	return doProviderRequest(g.client, req, g.Channel())
}

// LogGateway stands in for a channel with no provider configured.
type LogGateway struct {
	channel string
	log     *zap.Logger
}

func NewLogGateway(channel string, log *zap.Logger) *LogGateway {
	return &LogGateway{channel: channel, log: log}
}

func (g *LogGateway) Channel() string { return g.channel }

func (g *LogGateway) Send(_ context.Context, d Delivery) (string, error) {
	g.log.Info("notification (no provider configured)",
		zap.String("channel", g.channel),
		zap.String("notification_id", d.NotificationID.String()),
		zap.String("to", d.To),
		zap.String("subject", d.Subject),
	)
	return "log-" + d.NotificationID.String(), nil
}

// Guarded wraps a gateway with a send rate limit and a circuit breaker. Only
// transient failures count against the breaker; while it is open sends fail
// fast as retryable.
type Guarded struct {
	next    Gateway
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
}

func Guard(next Gateway, perSecond float64, log *zap.Logger) *Guarded {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	st := gobreaker.Settings{
		Name:        next.Channel(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway breaker state changed",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Guarded{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker[string](st),
	}
}

func (g *Guarded) Channel() string { return g.next.Channel() }

func (g *Guarded) Send(ctx context.Context, d Delivery) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", &GatewayError{Channel: g.Channel(), Retryable: true, Err: err}
	}
	id, err := g.breaker.Execute(func() (string, error) {
		return g.next.Send(ctx, d)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", &GatewayError{Channel: g.Channel(), Retryable: true, Err: err}
	}
	return id, err
}

// Gateways builds the configured gateways, falling back to LogGateway for
// channels without a provider.
func Gateways(cfg *config.Config, log *zap.Logger) map[string]Gateway {
	var email, sms, push Gateway
	email, sms, push = NewLogGateway("email", log), NewLogGateway("sms", log), NewLogGateway("push", log)
	if cfg.SMTP.Host != "" {
		email = NewSMTPGateway(cfg.SMTP)
	}
	if cfg.SMS.GatewayURL != "" {
		sms = NewSMSGateway(cfg.SMS)
	}
	if cfg.Push.GatewayURL != "" {
		push = NewPushGateway(cfg.Push)
	}
	out := make(map[string]Gateway, 3)
	for _, gw := range []Gateway{email, sms, push} {
		out[gw.Channel()] = Guard(gw, cfg.Notify.RatePerSecond, log)
	}
	return out
}
