package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CheckoutSessionCompleted is the only webhook type that triggers
// settlement; everything else is acknowledged and ignored.
const CheckoutSessionCompleted = "checkout.session.completed"

var (
	// ErrGateway wraps any failure creating a remote session.
	ErrGateway = errors.New("payment gateway error")
	// ErrInvalidSignature means the webhook signature did not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload means the webhook body could not be parsed.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// LineItem describes one purchasable unit in minor currency units.
type LineItem struct {
	Name       string `json:"name"`
	UnitAmount int64  `json:"unit_amount"`
	Quantity   int64  `json:"quantity"`
	Currency   string `json:"currency"`
}

// SessionRequest is the create-session call. Metadata is echoed back
// verbatim on the settlement webhook.
type SessionRequest struct {
	LineItems     []LineItem        `json:"line_items"`
	SuccessURL    string            `json:"success_url"`
	CancelURL     string            `json:"cancel_url"`
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
}

// Session is the remote checkout session the payer is redirected to.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutSession is the object carried by a settlement webhook.
type CheckoutSession struct {
	ID            string            `json:"id"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// WebhookEvent is the discriminated webhook envelope.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object CheckoutSession `json:"object"`
	} `json:"data"`
}

// Client is the gateway collaborator contract.
type Client interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	VerifyAndParse(payload []byte, sigHeader string) (WebhookEvent, error)
}

type client struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	tolerance     time.Duration
	hc            *http.Client
	log           *zap.SugaredLogger
	now           func() time.Time
}

// NewClient builds the HTTP gateway client. Credentials are injected at
// startup, never read from process globals.
func NewClient(baseURL, secretKey, webhookSecret string, hc *http.Client, log *zap.SugaredLogger) Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		tolerance:     5 * time.Minute,
		hc:            hc,
		log:           log,
		now:           time.Now,
	}
}

// CreateSession posts to the gateway's checkout-session endpoint.
func (c *client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	body, _ := json.Marshal(req)
	url := fmt.Sprintf("%s/v1/checkout/sessions", c.baseURL)

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	hr.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.hc.Do(hr)
	if err != nil {
		c.log.Errorf("gateway create session: %v", err)
		return Session{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Errorf("gateway create session: status=%d body=%s", resp.StatusCode, respBody)
		return Session{}, fmt.Errorf("%w: status %d", ErrGateway, resp.StatusCode)
	}

	var s Session
	if err := json.Unmarshal(respBody, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	return s, nil
}

// VerifyAndParse checks the signature header over the raw payload and
// decodes the envelope. The header format is "t=<unix>,v1=<hex>", where
// v1 is HMAC-SHA256 of "<unix>.<payload>" under the shared secret.
func (c *client) VerifyAndParse(payload []byte, sigHeader string) (WebhookEvent, error) {
	ts, sig, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return WebhookEvent{}, err
	}
	if c.tolerance > 0 {
		at := time.Unix(ts, 0)
		if c.now().Sub(at) > c.tolerance || at.Sub(c.now()) > c.tolerance {
			return WebhookEvent{}, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(c.webhookSecret, ts, payload))) {
		return WebhookEvent{}, ErrInvalidSignature
	}

	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.Type == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return evt, nil
}

// Sign computes the hex v1 signature for a payload at a given unix
// timestamp. Exported so webhook senders and tests build real headers.
func Sign(secret string, unixTS int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", unixTS)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader renders the full header value for a payload.
func SignatureHeader(secret string, at time.Time, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), Sign(secret, at.Unix(), payload))
}

func parseSignatureHeader(h string) (int64, string, error) {
	var ts int64
	var sig string
	for _, part := range strings.Split(h, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = v
		case "v1":
			sig = kv[1]
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("%w: missing signature fields", ErrInvalidSignature)
	}
	return ts, sig, nil
}
