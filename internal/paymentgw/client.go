// Package paymentgw is a thin JSON client for the external payment gateway.
// The gateway's wire protocol is owned by the provider; this client covers
// only the two capabilities the top-up controller needs.
package paymentgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/topup"
)

const defaultRequestTimeout = 10 * time.Second

// Client implements topup.PaymentGateway over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New wires a Client.
func New(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("payment gateway base url is empty")
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

type paymentMethodResponse struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// DefaultPaymentMethod resolves the organization's stored payment instrument.
func (client *Client) DefaultPaymentMethod(ctx context.Context, organizationID string) (topup.PaymentMethod, error) {
	url := fmt.Sprintf("%s/v1/organizations/%s/default-payment-method", client.baseURL, organizationID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return topup.PaymentMethod{}, err
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return topup.PaymentMethod{}, fmt.Errorf("%w: %v", topup.ErrGatewayUnavailable, err)
	}
	defer func() { _ = response.Body.Close() }()
	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return topup.PaymentMethod{}, topup.ErrNoPaymentMethod
	default:
		return topup.PaymentMethod{}, fmt.Errorf("%w: status %d", topup.ErrGatewayUnavailable, response.StatusCode)
	}
	var payload paymentMethodResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return topup.PaymentMethod{}, fmt.Errorf("%w: %v", topup.ErrGatewayUnavailable, err)
	}
	if payload.PaymentMethodID == "" {
		return topup.PaymentMethod{}, topup.ErrNoPaymentMethod
	}
	return topup.PaymentMethod{ID: payload.PaymentMethodID}, nil
}

type chargeResponse struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
}

// CreateCharge asks the gateway to capture a top-up charge.
func (client *Client) CreateCharge(ctx context.Context, chargeRequest topup.ChargeRequest) (topup.Charge, error) {
	body, err := json.Marshal(map[string]interface{}{
		"organization_id":   chargeRequest.OrganizationID,
		"payment_method_id": chargeRequest.PaymentMethodID,
		"amount_cents":      chargeRequest.AmountCents,
		"description":       chargeRequest.Description,
	})
	if err != nil {
		return topup.Charge{}, err
	}
	url := client.baseURL + "/v1/charges"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return topup.Charge{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := client.httpClient.Do(request)
	if err != nil {
		return topup.Charge{}, fmt.Errorf("%w: %v", topup.ErrGatewayUnavailable, err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		return topup.Charge{}, fmt.Errorf("%w: status %d", topup.ErrGatewayUnavailable, response.StatusCode)
	}
	var payload chargeResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return topup.Charge{}, fmt.Errorf("%w: %v", topup.ErrGatewayUnavailable, err)
	}
	return topup.Charge{ID: payload.ChargeID, Status: payload.Status}, nil
}
