// Package gateway is the client for the Daraja-style mobile-money gateway:
// push-payment initiation (STK push) and the status query used as polling
// fallback for lost callbacks.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pos-terminal/internal/models"
	"pos-terminal/internal/util"

	"go.uber.org/zap"
)

// ErrNotConfigured means consumer credentials are missing; the terminal
// still works with cash and manual verification.
var ErrNotConfigured = errors.New("gateway: consumer key and secret must be set")

// Config mirrors config.GatewayConfig.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Shortcode      string
	CallbackURL    string
	VerifyURL      string
}

// Client calls the gateway over HTTPS. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: util.GetLogger(),
	}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.ConsumerKey != "" && c.cfg.ConsumerSecret != ""
}

// NormalizePhone converts local formats to the 254XXXXXXXXX wire format.
func NormalizePhone(phone string) string {
	p := strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	switch {
	case strings.HasPrefix(p, "0"):
		return "254" + p[1:]
	case strings.HasPrefix(p, "254"):
		return p
	default:
		return "254" + p
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	credentials := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+credentials)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway oauth failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway oauth failed: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("gateway oauth failed: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("gateway oauth failed: empty token")
	}
	return body.AccessToken, nil
}

// password is Base64(Shortcode + Passkey + Timestamp) per the Daraja spec.
func (c *Client) password(at time.Time) (password, timestamp string) {
	timestamp = at.UTC().Format("20060102150405")
	password = base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
	return password, timestamp
}

// InitiatePushPayment prompts the customer's phone for approval and returns
// the gateway-assigned request id (CheckoutRequestID). Confirmation arrives
// asynchronously on the event channel.
func (c *Client) InitiatePushPayment(ctx context.Context, phone string, amount float64) (string, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.InitiatePushPayment")
	defer span.End()

	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}
	password, timestamp := c.password(time.Now())
	normalized := NormalizePhone(phone)

	payload := map[string]interface{}{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount,
		"PartyA":            normalized,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       normalized,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  "DUKAPOS",
		"TransactionDesc":   "POS Payment",
	}

	var body struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ErrorMessage      string `json:"errorMessage"`
	}
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &body); err != nil {
		return "", err
	}
	if body.CheckoutRequestID == "" {
		return "", fmt.Errorf("gateway push rejected: %s", body.ErrorMessage)
	}

	util.PushPaymentsInitiatedTotal.Inc()
	c.logger.Info("Push payment initiated",
		zap.String("request_id", body.CheckoutRequestID),
		zap.Float64("amount", amount))
	return body.CheckoutRequestID, nil
}

// QueryStatus asks the gateway whether a push prompt completed, for lost
// callbacks. ResultCode "0" means the customer paid.
func (c *Client) QueryStatus(ctx context.Context, requestID string) (models.PushStatus, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.QueryStatus")
	defer span.End()

	token, err := c.accessToken(ctx)
	if err != nil {
		return models.PushStatus{}, err
	}
	password, timestamp := c.password(time.Now())

	payload := map[string]interface{}{
		"CheckoutRequestID": requestID,
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
	}

	var body struct {
		ResultCode       string `json:"ResultCode"`
		ResultDesc       string `json:"ResultDesc"`
		CallbackMetadata *struct {
			Item []struct {
				Name  string      `json:"Name"`
				Value interface{} `json:"Value"`
			} `json:"Item"`
		} `json:"CallbackMetadata"`
	}
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", token, payload, &body); err != nil {
		return models.PushStatus{}, err
	}

	status := models.PushStatus{
		Completed:  body.ResultCode == "0",
		ResultCode: body.ResultCode,
		ResultDesc: body.ResultDesc,
	}
	if status.Completed && body.CallbackMetadata != nil {
		for _, item := range body.CallbackMetadata.Item {
			if item.Name == "MpesaReceiptNumber" {
				status.Receipt = fmt.Sprintf("%v", item.Value)
				break
			}
		}
	}
	return status, nil
}

// VerifyManualCode checks a hand-typed transaction code (e.g. SAB123XYZ).
// With no verify endpoint configured, any non-empty code is accepted, which
// matches how the terminal behaved before the external check existed.
func (c *Client) VerifyManualCode(ctx context.Context, code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	if c.cfg.VerifyURL == "" {
		return true
	}

	payload, _ := json.Marshal(map[string]string{"code": code})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.VerifyURL, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Manual code verification failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) post(ctx context.Context, path, token string, payload, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway response read failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("gateway response decode failed: %w", err)
		}
	}
	return nil
}
