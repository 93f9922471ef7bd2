// Package provider talks to the third-party messaging provider.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type SendRequest struct {
	Body     string   `json:"body"`
	To       string   `json:"to"`
	IsSecond bool     `json:"is_second"`
	LabelIDs []string `json:"label_ids,omitempty"`
}

type SendResult struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

type DeliveryRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	To             string     `json:"to"`
	Status         string     `json:"status"`
	SentAt         time.Time  `json:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

type DeliveryPage struct {
	Records       []DeliveryRecord `json:"records"`
	NextPageToken string           `json:"next_page_token"`
}

// Client is the provider surface the pipeline depends on.
type Client interface {
	Ready() bool
	// ReopensAt is when a tripped client accepts calls again; zero when healthy.
	ReopensAt() time.Time
	SendMessage(ctx context.Context, req SendRequest) (SendResult, error)
	DeliveryPage(ctx context.Context, sentAfter time.Time, pageToken string) (DeliveryPage, error)
	CreatePost(ctx context.Context, conversationID, text, labelID string) error
	ConversationLabels(ctx context.Context, conversationID string) ([]string, error)
}

type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	br      *Breaker
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, timeoutMs, failThreshold, openForMs int) *HTTPClient {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}

	if failThreshold <= 0 {
		failThreshold = 5
	}

	if openForMs <= 0 {
		openForMs = 30000
	}

	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:      NewBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (p *HTTPClient) Ready() bool { return p.br.Ready() }

func (p *HTTPClient) ReopensAt() time.Time { return p.br.ReopensAt() }

func (p *HTTPClient) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	var out SendResult
	if err := p.do(ctx, "send_message", http.MethodPost, "/messages", req, &out); err != nil {
		return SendResult{}, err
	}
	return out, nil
}

func (p *HTTPClient) DeliveryPage(ctx context.Context, sentAfter time.Time, pageToken string) (DeliveryPage, error) {
	q := url.Values{}
	q.Set("sent_after", sentAfter.UTC().Format(time.RFC3339))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	var out DeliveryPage
	if err := p.do(ctx, "delivery_page", http.MethodGet, "/messages?"+q.Encode(), nil, &out); err != nil {
		return DeliveryPage{}, err
	}
	return out, nil
}

func (p *HTTPClient) CreatePost(ctx context.Context, conversationID, text, labelID string) error {
	body := struct {
		Text    string `json:"text"`
		LabelID string `json:"label_id,omitempty"`
	}{Text: text, LabelID: labelID}
	return p.do(ctx, "create_post", http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/posts", body, nil)
}

func (p *HTTPClient) ConversationLabels(ctx context.Context, conversationID string) ([]string, error) {
	var out struct {
		Labels []struct {
			ID string `json:"id"`
		} `json:"labels"`
	}
	if err := p.do(ctx, "conversation_labels", http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Labels))
	for _, l := range out.Labels {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (p *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	if !p.br.Allow() {
		return ErrBreakerOpen
	}
	err := p.roundTrip(ctx, op, method, path, in, out)
	p.br.Record(err)
	return err
}

func (p *HTTPClient) roundTrip(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("provider op=%s marshal: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider op=%s: %w", op, err)
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &HTTPError{Op: op, StatusCode: res.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("provider op=%s decode: %w", op, err)
	}
	return nil
}
