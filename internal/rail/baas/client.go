// Package baas is the bank rail: a client of the BaaS provider transfer API.
package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/rail"

	"github.com/shopspring/decimal"
)

const (
	transfersPath   = "/api/v1/transfers"
	requestIDHeader = "X-Request-Id"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	config     *Config
	httpClient *http.Client
	log        *slog.Logger
}

func New(config *Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: slog.With("component", "baas-rail"),
	}
}

type transferRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency    string          `json:"currency"`
			Amount      decimal.Decimal `json:"amount"`
			Reason      string          `json:"reason,omitempty"`
			Destination struct {
				AccountName   string `json:"accountName"`
				AccountNumber string `json:"accountNumber"`
				BankName      string `json:"bankName,omitempty"`
				SwiftCode     string `json:"swiftCode,omitempty"`
			} `json:"destination"`
		} `json:"attributes"`
	} `json:"data"`
}

type transferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status        string          `json:"status"`
			Amount        decimal.Decimal `json:"amount"`
			FailureCode   string          `json:"failureCode"`
			FailureReason string          `json:"failureReason"`
		} `json:"attributes"`
	} `json:"data"`
}

type errorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// SubmitTransfer posts one transfer. The idempotency key travels in the
// Idempotency-Key header and is deduplicated by the provider.
func (c *Client) SubmitTransfer(ctx context.Context, req rail.TransferRequest) (
	rail.TransferResult, error) {

	var payload transferRequest
	payload.Data.Type = "BankTransfer"
	payload.Data.Attributes.Currency = req.Currency
	payload.Data.Attributes.Amount = req.Amount
	payload.Data.Attributes.Reason = req.Memo
	payload.Data.Attributes.Destination.AccountName = req.Destination.HolderName
	payload.Data.Attributes.Destination.AccountNumber = req.Destination.AccountNumber
	payload.Data.Attributes.Destination.BankName = req.Destination.BankName
	payload.Data.Attributes.Destination.SwiftCode = req.Destination.SwiftCode

	body, err := json.Marshal(payload)
	if err != nil {
		return rail.TransferResult{}, fmt.Errorf("marshal transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.config.BaseURL, "/")+transfersPath, bytes.NewReader(body))
	if err != nil {
		return rail.TransferResult{}, fmt.Errorf("create transfer request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return rail.TransferResult{}, fmt.Errorf("execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return rail.TransferResult{}, fmt.Errorf("read transfer response: %w", err)
	}

	requestID := resp.Header.Get(requestIDHeader)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result := rejection(resp.StatusCode, respBody)
		result.RequestID = requestID

		c.log.Warn("transfer rejected",
			"key", req.IdempotencyKey,
			"status", resp.StatusCode,
			"code", result.ErrorCode,
			"request_id", requestID,
		)

		return result, nil
	}

	var success transferResponse
	err = json.Unmarshal(respBody, &success)
	if err != nil {
		return rail.TransferResult{}, fmt.Errorf("decode transfer response: %w", err)
	}

	attrs := success.Data.Attributes

	switch strings.ToUpper(attrs.Status) {
	case "FAILED", "REJECTED":
		code := normalizeCode(attrs.FailureCode)
		if code == "" {
			code = rail.CodeRejected
		}
		return rail.TransferResult{
			Status:    rail.StatusFailed,
			ErrorCode: code,
			Message:   attrs.FailureReason,
			RequestID: requestID,
		}, nil
	}

	// COMPLETED and PENDING both mean the provider owns the transfer now
	settled := attrs.Amount
	if settled.IsZero() {
		settled = req.Amount
	}

	return rail.TransferResult{
		Status:        rail.StatusSucceeded,
		Reference:     success.Data.ID,
		SettledAmount: settled,
		RequestID:     requestID,
	}, nil
}

// rejection maps a non-2xx response to a failed result.
func rejection(status int, body []byte) rail.TransferResult {
	result := rail.TransferResult{
		Status:  rail.StatusFailed,
		Message: http.StatusText(status),
	}

	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && len(errResp.Errors) > 0 {
		first := errResp.Errors[0]
		result.ErrorCode = normalizeCode(first.Code)
		if first.Detail != "" {
			result.Message = first.Detail
		} else if first.Title != "" {
			result.Message = first.Title
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		result.ErrorCode = rail.CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		result.ErrorCode = rail.CodeTimeout
	// a concurrent request with the same key is still being processed
	case status == http.StatusConflict:
		result.ErrorCode = rail.CodeUnavailable
	case status >= 500:
		result.ErrorCode = rail.CodeUnavailable
	case result.ErrorCode == "":
		result.ErrorCode = rail.CodeRejected
	}

	return result
}

func normalizeCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "_", " ", "_").Replace(code)
}
