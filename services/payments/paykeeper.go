package payments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/everliv/everliv-api/internal/config"
	"github.com/everliv/everliv-api/internal/httputil"
)

const payKeeperResponseLimit = 1 << 20

// InvoiceRequest is the invoice preview form.
type InvoiceRequest struct {
	Amount      float64
	ClientID    string
	OrderID     string
	ServiceName string
	ClientEmail string
}

// Gateway issues invoices.
type Gateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (invoiceID string, err error)
	InvoiceURL(invoiceID string) string
}

// PayKeeperError is a failure reported by PayKeeper.
type PayKeeperError struct {
	StatusCode int
	Message    string
}

func (e *PayKeeperError) Error() string {
	return fmt.Sprintf("paykeeper: status %d: %s", e.StatusCode, e.Message)
}

// PayKeeperClient talks to the PayKeeper merchant JSON API.
type PayKeeperClient struct {
	server   string
	user     string
	password string
	http     *http.Client
}

// NewPayKeeperClient creates a client. httpClient may be nil.
func NewPayKeeperClient(cfg config.PayKeeperConfig, httpClient *http.Client) *PayKeeperClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &PayKeeperClient{
		server:   strings.TrimSuffix(cfg.ServerURL, "/"),
		user:     cfg.User,
		password: cfg.Password,
		http:     httpClient,
	}
}

// Token obtains the one-time security token required by mutating calls.
func (c *PayKeeperClient) Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/info/settings/token/", nil)
	if err != nil {
		return "", err
	}
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	token := gjson.GetBytes(body, "token").String()
	if token == "" {
		return "", &PayKeeperError{StatusCode: http.StatusOK, Message: "empty token"}
	}
	return token, nil
}

// CreateInvoice previews an invoice and returns its id.
func (c *PayKeeperClient) CreateInvoice(ctx context.Context, in InvoiceRequest) (string, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}

	form := url.Values{}
	form.Set("pay_amount", formatAmount(in.Amount))
	form.Set("clientid", in.ClientID)
	form.Set("orderid", in.OrderID)
	form.Set("service_name", in.ServiceName)
	form.Set("client_email", in.ClientEmail)
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/change/invoice/preview/", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "invoice_id").String()
	if id == "" {
		return "", &PayKeeperError{StatusCode: http.StatusOK, Message: "response has no invoice_id"}
	}
	return id, nil
}

// InvoiceURL is the customer-facing payment page of an invoice.
func (c *PayKeeperClient) InvoiceURL(invoiceID string) string {
	return c.server + "/bill/" + url.PathEscape(invoiceID) + "/"
}

func (c *PayKeeperClient) do(req *http.Request) ([]byte, error) {
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paykeeper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadAllStrict(resp.Body, payKeeperResponseLimit)
	if err != nil {
		return nil, fmt.Errorf("read paykeeper response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &PayKeeperError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	// PayKeeper reports business errors with 200 and {"result":"fail","msg":"..."}.
	if gjson.GetBytes(body, "result").String() == "fail" {
		return nil, &PayKeeperError{StatusCode: resp.StatusCode, Message: gjson.GetBytes(body, "msg").String()}
	}
	return body, nil
}

// =============================================================================
// Callback signatures
// =============================================================================

// CallbackKey is the signature PayKeeper puts in the "key" field of a payment notification.
func CallbackKey(id, sum, clientID, orderID, secret string) string {
	return md5Hex(id + sum + clientID + orderID + secret)
}

// CallbackAck is the body PayKeeper expects back after a notification was accepted.
func CallbackAck(id, secret string) string {
	return "OK " + md5Hex(id+secret)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func formatAmount(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}
