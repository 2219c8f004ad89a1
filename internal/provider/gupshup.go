package provider

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
	"strconv"
	"strings"
	"time"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

const gupshupName = "gupshup"

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Gupshup-Signature"

// GupshupClient talks to the Gupshup messaging API over JSON.
type GupshupClient struct {
	baseURL       string
	apiKey        string
	appName       string
	webhookSecret string
	client        *http.Client
	now           func() time.Time
}

func NewGupshupClient(cfg Config) *GupshupClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GupshupClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		appName:       cfg.AppName,
		webhookSecret: cfg.WebhookSecret,
		client:        &http.Client{Timeout: timeout},
		now:           time.Now,
	}
}

func (c *GupshupClient) Name() string { return gupshupName }

type gupshupSendRequest struct {
	Channel     string `json:"channel"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Message     any    `json:"message"`
	ClientRef   string `json:"clientRef,omitempty"`
}

type gupshupSendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func (c *GupshupClient) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var message any = req.Content
	if req.Channel == model.ChannelSMS {
		message = map[string]string{"type": "text", "text": req.Content.Text}
	}
	reqBody, err := json.Marshal(gupshupSendRequest{
		Channel:     string(req.Channel),
		Source:      c.appName,
		Destination: req.Recipient,
		Message:     message,
		ClientRef:   req.MessageID.String(),
	})
	if err != nil {
		return SendResult{}, &appErrors.PermanentProviderError{Provider: gupshupName, Reason: appErrors.ReasonRejected, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/msg", bytes.NewReader(reqBody))
	if err != nil {
		return SendResult{}, &appErrors.PermanentProviderError{Provider: gupshupName, Reason: appErrors.ReasonRejected, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("apikey", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return SendResult{}, &appErrors.TransientProviderError{Provider: gupshupName, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return SendResult{}, &appErrors.TransientProviderError{
			Provider:   gupshupName,
			Code:       "throttled",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return SendResult{}, &appErrors.TransientProviderError{
			Provider: gupshupName,
			Code:     strconv.Itoa(resp.StatusCode),
			Err:      fmt.Errorf("status %d body=%q", resp.StatusCode, string(body)),
		}
	}

	var sr gupshupSendResponse
	decodeErr := json.Unmarshal(body, &sr)

	if resp.StatusCode >= 400 || decodeErr != nil || sr.Status != "submitted" || sr.MessageID == "" {
		code := sr.ErrorCode
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return SendResult{}, &appErrors.PermanentProviderError{
			Provider: gupshupName,
			Code:     code,
			Reason:   ReasonForCode(sr.ErrorCode),
			Err:      fmt.Errorf("status %d body=%q", resp.StatusCode, string(body)),
		}
	}

	return SendResult{ExternalID: sr.MessageID, AcceptedAt: c.now().UTC()}, nil
}

// ReasonForCode maps aggregator error codes onto failure reasons.
func ReasonForCode(code string) string {
	switch strings.ToUpper(code) {
	case "RCS_NOT_SUPPORTED", "RCS_NOT_CAPABLE":
		return appErrors.ReasonRCSNotSupported
	case "INVALID_NUMBER", "INVALID_RECIPIENT":
		return appErrors.ReasonInvalidRecipient
	case "":
		return appErrors.ReasonRejected
	}
	return appErrors.ReasonCarrierFailure
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

type gupshupWebhook struct {
	EventID      string `json:"eventId"`
	EventType    string `json:"eventType"`
	Status       string `json:"status"`
	ExternalID   string `json:"externalId"`
	MessageID    string `json:"messageId"`
	Timestamp    string `json:"timestamp"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Sign returns the hex HMAC-SHA256 the webhook must carry.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return appErrors.ErrInvalidSignature
	}
	return nil
}

func (c *GupshupClient) ParseWebhook(raw model.RawWebhook) (model.WebhookEvent, error) {
	if err := verifySignature(c.webhookSecret, raw.Body, raw.Signature); err != nil {
		return model.WebhookEvent{}, err
	}

	var p gupshupWebhook
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return model.WebhookEvent{}, fmt.Errorf("decode gupshup webhook: %w", err)
	}

	status := p.EventType
	if status == "" {
		status = p.Status
	}
	eventType, err := mapGupshupStatus(status)
	if err != nil {
		return model.WebhookEvent{}, err
	}

	externalID := p.ExternalID
	if externalID == "" {
		externalID = p.MessageID
	}
	if externalID == "" {
		return model.WebhookEvent{}, fmt.Errorf("gupshup webhook without message reference: %w", appErrors.ErrUnsupportedEvent)
	}

	ts := c.now().UTC()
	if p.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			ts = parsed.UTC()
		} else if ms, err := strconv.ParseInt(p.Timestamp, 10, 64); err == nil {
			ts = time.UnixMilli(ms).UTC()
		}
	}

	return model.WebhookEvent{
		EventID:      p.EventID,
		Provider:     gupshupName,
		Type:         eventType,
		ExternalID:   externalID,
		Timestamp:    ts,
		ErrorCode:    p.ErrorCode,
		ErrorMessage: p.ErrorMessage,
	}, nil
}

func mapGupshupStatus(s string) (model.WebhookEventType, error) {
	switch strings.ToLower(s) {
	case "sent", "enqueued":
		return model.EventSent, nil
	case "delivered":
		return model.EventDelivered, nil
	case "read":
		return model.EventRead, nil
	case "failed", "error", "undelivered":
		return model.EventFailed, nil
	}
	return "", fmt.Errorf("gupshup status %q: %w", s, appErrors.ErrUnsupportedEvent)
}
