package striperepo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"workover/util/httpx"
)

const apiBase = "https://api.stripe.com/v1"

// webhook signatures older than this are rejected (replay window).
const signatureTolerance = 5 * time.Minute

var ErrGatewayUnavailable = errors.New("gateway unavailable")

type httpRepo struct {
	secretKey     string
	webhookSecret string
	client        *http.Client
	now           func() time.Time
}

func NewHTTP(secretKey, webhookSecret string) Repo {
	return &httpRepo{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		client:        httpx.Client(),
		now:           time.Now,
	}
}

type sessionPayload struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentIntent string `json:"payment_intent"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`         // open | complete | expired
	PaymentStatus string `json:"payment_status"` // paid | unpaid | no_payment_required
}

type errorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *httpRepo) CreateCheckoutSession(ctx context.Context, req CreateSessionReq) (*Session, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("stripe: idempotency key is required")
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[]", "card")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.ProductName)
	if req.Description != "" {
		form.Set("line_items[0][price_data][product_data][description]", req.Description)
	}
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	for k, v := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
	if req.DestinationAccount != "" {
		form.Set("payment_intent_data[application_fee_amount]", strconv.FormatInt(req.ApplicationFeeCents, 10))
		form.Set("payment_intent_data[transfer_data][destination]", req.DestinationAccount)
	}

	var out sessionPayload
	if err := r.do(ctx, http.MethodPost, "/checkout/sessions", form, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("stripe: empty session id: %w", ErrGatewayUnavailable)
	}
	return mapSession(out), nil
}

func (r *httpRepo) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	var out sessionPayload
	err := r.do(ctx, http.MethodGet, "/checkout/sessions/"+url.PathEscape(sessionID), nil, "", &out)
	if err != nil {
		var missing *resourceMissingError
		if errors.As(err, &missing) {
			return &Session{ID: sessionID, Status: SessionNotFound}, nil
		}
		return nil, err
	}
	return mapSession(out), nil
}

func (r *httpRepo) RetrieveIntent(ctx context.Context, intentID string) (IntentStatus, error) {
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := r.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(intentID), nil, "", &out)
	if err != nil {
		var missing *resourceMissingError
		if errors.As(err, &missing) {
			return IntentNotFound, nil
		}
		return "", err
	}
	switch out.Status {
	case "requires_capture":
		return IntentRequiresCapture, nil
	case "succeeded":
		return IntentSucceeded, nil
	case "canceled":
		return IntentCanceled, nil
	default:
		return IntentProcessing, nil
	}
}

func (r *httpRepo) ExpireSession(ctx context.Context, sessionID, idempotencyKey string) error {
	var out struct {
		ID string `json:"id"`
	}
	err := r.do(ctx, http.MethodPost, "/checkout/sessions/"+url.PathEscape(sessionID)+"/expire", url.Values{}, idempotencyKey, &out)
	var missing *resourceMissingError
	if errors.As(err, &missing) {
		return nil
	}
	return err
}

func (r *httpRepo) CancelIntent(ctx context.Context, intentID, idempotencyKey string) error {
	form := url.Values{}
	form.Set("cancellation_reason", "requested_by_customer")
	var out struct {
		ID string `json:"id"`
	}
	return r.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(intentID)+"/cancel", form, idempotencyKey, &out)
}

func (r *httpRepo) CreateRefund(ctx context.Context, intentID string, amountCents int64, idempotencyKey string, metadata map[string]string) (string, error) {
	form := url.Values{}
	form.Set("payment_intent", intentID)
	if amountCents > 0 {
		form.Set("amount", strconv.FormatInt(amountCents, 10))
	}
	form.Set("reverse_transfer", "true")
	form.Set("refund_application_fee", "false")
	for k, v := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := r.do(ctx, http.MethodPost, "/refunds", form, idempotencyKey, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// VerifyWebhookSignature implements Stripe's "t=...,v1=..." scheme:
// HMAC-SHA256(secret, t + "." + body) must match one v1 entry and the
// timestamp must be within the replay tolerance.
func (r *httpRepo) VerifyWebhookSignature(sigHeader string, body []byte) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(sigHeader, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return errors.New("stripe: malformed signature header")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.New("stripe: malformed signature timestamp")
	}
	age := r.now().Sub(time.Unix(unix, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return errors.New("stripe: signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(r.webhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return errors.New("stripe: signature mismatch")
}

type resourceMissingError struct{ msg string }

func (e *resourceMissingError) Error() string { return e.msg }

func (r *httpRepo) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, apiBase+path, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, apiBase+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.secretKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("stripe %s %s: %w: %w", method, path, ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var ep errorPayload
		if decodeErr := json.NewDecoder(resp.Body).Decode(&ep); decodeErr == nil {
			if ep.Error.Code == "resource_missing" {
				return &resourceMissingError{msg: ep.Error.Message}
			}
			return fmt.Errorf("stripe %s %s: %s (%s): %w", method, path, ep.Error.Message, ep.Error.Code, ErrGatewayUnavailable)
		}
		return fmt.Errorf("stripe %s %s: %s: %w", method, path, resp.Status, ErrGatewayUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("stripe %s %s: decode: %w", method, path, ErrGatewayUnavailable)
	}
	return nil
}

func mapSession(p sessionPayload) *Session {
	s := &Session{
		ID:              p.ID,
		URL:             p.URL,
		PaymentIntentID: p.PaymentIntent,
		AmountCents:     p.AmountTotal,
		Currency:        strings.ToUpper(p.Currency),
	}
	switch {
	case p.PaymentStatus == "paid" && p.Status == "complete":
		s.Status = SessionPaid
	case p.Status == "expired":
		s.Status = SessionExpired
	default:
		// open or unpaid: the guest may still complete checkout.
		s.Status = SessionOpen
	}
	return s
}
