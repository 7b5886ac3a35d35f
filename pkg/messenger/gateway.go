package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketChat/pkg/api"
)

// Gateway is the REST side of the messaging backend.
type Gateway interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	GetThread(ctx context.Context, otherUserId, orderId string, page, limit int) ([]api.Message, error)
	SendMessage(ctx context.Context, request api.SendMessageRequest) (SendResult, error)
	MarkRead(ctx context.Context, conversationId string) error
	GetOrder(ctx context.Context, orderId string) (*api.Order, error)
}

// SendResult is the stored message and the moderation warning, if any.
type SendResult struct {
	Message api.Message
	Warning string
}

// HTTPError is a non-2xx response or an envelope with success=false.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Warning string          `json:"warning,omitempty"`
	Message string          `json:"message,omitempty"`
}

type httpGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPGateway talks to the backend at baseURL with a bearer token. A nil
// client gets a default with a 15s timeout.
func NewHTTPGateway(baseURL, token string, client *http.Client) Gateway {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &httpGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (g *httpGateway) ListConversations(ctx context.Context) ([]api.Conversation, error) {
	var conversations []api.Conversation
	if _, err := g.do(ctx, http.MethodGet, "/conversations", nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (g *httpGateway) GetThread(ctx context.Context, otherUserId, orderId string, page, limit int) ([]api.Message, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	if orderId != "" {
		query.Set("orderId", orderId)
	}
	path := "/conversations/" + url.PathEscape(otherUserId) + "?" + query.Encode()

	var messages []api.Message
	if _, err := g.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (g *httpGateway) SendMessage(ctx context.Context, request api.SendMessageRequest) (SendResult, error) {
	var result SendResult
	env, err := g.do(ctx, http.MethodPost, "/messages", request, &result.Message)
	if err != nil {
		return SendResult{}, err
	}
	result.Warning = env.Warning
	return result, nil
}

func (g *httpGateway) MarkRead(ctx context.Context, conversationId string) error {
	_, err := g.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationId)+"/read", nil, nil)
	return err
}

func (g *httpGateway) GetOrder(ctx context.Context, orderId string) (*api.Order, error) {
	var order api.Order
	if _, err := g.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderId), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (g *httpGateway) do(ctx context.Context, method, path string, body interface{}, out interface{}) (envelope, error) {
	var env envelope

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return env, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return env, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return env, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return env, err
	}

	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := env.Message
		if decodeErr != nil || message == "" {
			message = strings.TrimSpace(string(raw))
		}
		return env, &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
	if decodeErr != nil {
		return env, fmt.Errorf("decode %s %s: %w", method, path, decodeErr)
	}
	if !env.Success {
		return env, &HTTPError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return env, nil
}
