package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/donorlink/donorlink/internal/config"
)

// PushMessage is a single push request addressed to one or more device tokens.
type PushMessage struct {
	To       []string          `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

// PushTicket is the per-recipient result returned by the push service, in
// the order of PushMessage.To.
type PushTicket struct {
	Status  string        `json:"status"`
	ID      string        `json:"id,omitempty"`
	Message string        `json:"message,omitempty"`
	Details TicketDetails `json:"details"`
}

// TicketDetails carries the machine-readable error of a rejected ticket.
type TicketDetails struct {
	Error string `json:"error,omitempty"`
}

// OK reports whether the push service accepted the message for this token.
func (t PushTicket) OK() bool { return t.Status == "ok" }

// PushTransport hands push messages to a push service.
type PushTransport interface {
	Send(ctx context.Context, msg PushMessage) ([]PushTicket, error)
}

// PushError describes a rejected push request.
type PushError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *PushError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("push rejected: %s: %s", e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("push service returned status %d: %s", e.StatusCode, e.Message)
	}
	return "push rejected: " + e.Message
}

// Temporary reports whether repeating the request may succeed.
func (e *PushError) Temporary() bool {
	if e.Code != "" {
		return e.Code == "MessageRateExceeded"
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ExpoTransport sends push messages through the Expo push API.
type ExpoTransport struct {
	endpoint    string
	accessToken string
	client      *http.Client
}

// NewExpoTransport creates an ExpoTransport from the push configuration.
func NewExpoTransport(cfg config.PushConfig) *ExpoTransport {
	return &ExpoTransport{
		endpoint:    cfg.Endpoint,
		accessToken: cfg.AccessToken,
		client: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

type expoResponse struct {
	Data   []PushTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send POSTs msg to the push endpoint and returns one ticket per token.
func (t *ExpoTransport) Send(ctx context.Context, msg PushMessage) ([]PushTicket, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding push message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.accessToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending push: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading push response: %w", err)
	}

	var parsed expoResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode >= 300 {
		pe := &PushError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		if len(parsed.Errors) > 0 {
			pe.Message = parsed.Errors[0].Message
		}
		return nil, pe
	}
	if len(parsed.Errors) > 0 {
		return nil, &PushError{Code: parsed.Errors[0].Code, Message: parsed.Errors[0].Message}
	}
	return parsed.Data, nil
}
