package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/ordering/domain"
)

// PayPalFactory builds gateway clients for the "paypal" provider key.
type PayPalFactory struct{}

func NewPayPalFactory() *PayPalFactory {
	return &PayPalFactory{}
}

func (f *PayPalFactory) Provider() string {
	return "paypal"
}

func (f *PayPalFactory) NewClient(cfg config.Config) (Client, error) {
	if strings.TrimSpace(cfg.PaymentAPIURL) == "" {
		return nil, fmt.Errorf("paypal: missing api url")
	}
	if cfg.PaymentClientID == "" || cfg.PaymentClientSecret == "" {
		return nil, fmt.Errorf("paypal: missing credentials")
	}
	return &paypalClient{
		baseURL:  strings.TrimRight(cfg.PaymentAPIURL, "/"),
		clientID: cfg.PaymentClientID,
		secret:   cfg.PaymentClientSecret,
		siteURL:  strings.TrimRight(cfg.SiteURL, "/"),
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type paypalClient struct {
	baseURL  string
	clientID string
	secret   string
	siteURL  string
	httpc    *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

type paypalToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *paypalClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &Error{Op: "token", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Op: "token", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var tok paypalToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &Error{Op: "token", Err: err}
	}
	c.accessToken = tok.AccessToken
	// Renew a minute early so in-flight requests do not race expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

func (c *paypalClient) do(ctx context.Context, op, method, path string, body, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &Error{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}

type paypalAmount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type paypalTransaction struct {
	Amount      paypalAmount `json:"amount"`
	Description string       `json:"description,omitempty"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalPayment struct {
	ID           string              `json:"id,omitempty"`
	Intent       string              `json:"intent"`
	Payer        map[string]string   `json:"payer"`
	Transactions []paypalTransaction `json:"transactions"`
	RedirectURLs map[string]string   `json:"redirect_urls,omitempty"`
	Links        []paypalLink        `json:"links,omitempty"`
}

func (c *paypalClient) StartRedirect(ctx context.Context, order *domain.Order, transactions []domain.Transaction) (string, error) {
	payment := paypalPayment{
		Intent: "sale",
		Payer:  map[string]string{"payment_method": "paypal"},
		RedirectURLs: map[string]string{
			"return_url": fmt.Sprintf("%s/charging/confirm?client=%s&ref=%s", c.siteURL, order.Customer, order.ExternalID),
			"cancel_url": fmt.Sprintf("%s/charging/cancel?ref=%s", c.siteURL, order.ExternalID),
		},
	}
	for _, tx := range transactions {
		payment.Transactions = append(payment.Transactions, paypalTransaction{
			Amount:      paypalAmount{Total: tx.Price, Currency: tx.Currency},
			Description: tx.Description,
		})
	}

	var created paypalPayment
	if err := c.do(ctx, "create payment", http.MethodPost, "/v1/payments/payment", payment, &created); err != nil {
		return "", err
	}
	for _, link := range created.Links {
		if link.Rel == "approval_url" {
			return link.Href, nil
		}
	}
	return "", &Error{Op: "create payment", Err: fmt.Errorf("no approval url in response %s", created.ID)}
}

type paypalSale struct {
	Sale struct {
		ID string `json:"id"`
	} `json:"sale"`
}

type paypalExecuted struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Transactions []struct {
		RelatedResources []paypalSale `json:"related_resources"`
	} `json:"transactions"`
}

func (c *paypalClient) Execute(ctx context.Context, token, payerID string) ([]string, error) {
	var executed paypalExecuted
	path := fmt.Sprintf("/v1/payments/payment/%s/execute", url.PathEscape(token))
	if err := c.do(ctx, "execute payment", http.MethodPost, path, map[string]string{"payer_id": payerID}, &executed); err != nil {
		return nil, err
	}
	if !strings.EqualFold(executed.State, "approved") {
		return nil, &Error{Op: "execute payment", Err: fmt.Errorf("payment %s in state %s", executed.ID, executed.State)}
	}

	var sales []string
	for _, tx := range executed.Transactions {
		for _, res := range tx.RelatedResources {
			if res.Sale.ID != "" {
				sales = append(sales, res.Sale.ID)
			}
		}
	}
	return sales, nil
}

func (c *paypalClient) Refund(ctx context.Context, saleID string) error {
	path := fmt.Sprintf("/v1/payments/sale/%s/refund", url.PathEscape(saleID))
	return c.do(ctx, "refund sale", http.MethodPost, path, map[string]string{}, nil)
}

type paypalPayoutItem struct {
	RecipientType string       `json:"recipient_type"`
	Amount        paypalAmount `json:"amount"`
	Receiver      string       `json:"receiver"`
	SenderItemID  string       `json:"sender_item_id"`
}

type paypalPayoutRequest struct {
	SenderBatchHeader struct {
		EmailSubject string `json:"email_subject"`
	} `json:"sender_batch_header"`
	Items []paypalPayoutItem `json:"items"`
}

type paypalBatch struct {
	BatchHeader struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
	Items []struct {
		PayoutItemID  string `json:"payout_item_id"`
		TransactionID string `json:"transaction_id"`
		Status        string `json:"transaction_status"`
		PayoutItem    struct {
			Receiver     string `json:"receiver"`
			SenderItemID string `json:"sender_item_id"`
		} `json:"payout_item"`
		Errors struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"items"`
}

func (b paypalBatch) toBatch() Batch {
	batch := Batch{
		BatchID: b.BatchHeader.PayoutBatchID,
		Status:  b.BatchHeader.BatchStatus,
	}
	for _, item := range b.Items {
		batch.Items = append(batch.Items, BatchItem{
			Receiver:          item.PayoutItem.Receiver,
			SenderItemID:      item.PayoutItem.SenderItemID,
			TransactionStatus: item.Status,
			TransactionID:     item.TransactionID,
			ItemID:            item.PayoutItemID,
			ErrorName:         item.Errors.Name,
			ErrorMessage:      item.Errors.Message,
		})
	}
	return batch
}

func (c *paypalClient) BatchPayout(ctx context.Context, items []PayoutItem) (Batch, bool, error) {
	if len(items) == 0 {
		return Batch{}, false, nil
	}

	var request paypalPayoutRequest
	request.SenderBatchHeader.EmailSubject = "You have a payment"
	for _, item := range items {
		request.Items = append(request.Items, paypalPayoutItem{
			RecipientType: "EMAIL",
			Amount:        paypalAmount{Total: item.Value, Currency: item.Currency},
			Receiver:      item.Receiver,
			SenderItemID:  item.SenderItemID,
		})
	}

	var created paypalBatch
	if err := c.do(ctx, "create payout", http.MethodPost, "/v1/payments/payouts", request, &created); err != nil {
		return Batch{}, false, err
	}
	return created.toBatch(), true, nil
}

func (c *paypalClient) BatchStatus(ctx context.Context, batchID string) (Batch, error) {
	var batch paypalBatch
	path := fmt.Sprintf("/v1/payments/payouts/%s", url.PathEscape(batchID))
	if err := c.do(ctx, "payout status", http.MethodGet, path, nil, &batch); err != nil {
		return Batch{}, err
	}
	return batch.toBatch(), nil
}
