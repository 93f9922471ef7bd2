package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/provider"
)

// Post is one recorded CreatePost call.
type Post struct {
	ConversationID string
	Text           string
	LabelID        string
}

// FakeProvider is a scripted provider.Client.
type FakeProvider struct {
	mu sync.Mutex

	SendErrs  []error // consumed one per SendMessage; a nil entry succeeds
	Sent      []provider.SendRequest
	Pages     map[string]provider.DeliveryPage // by page token
	PageCalls []string
	PostErrs  map[string]error // by conversation id
	Posts     []Post
	Labels    map[string][]string // by conversation id
	NotReady  bool
	Reopens   time.Time

	seq int
}

var _ provider.Client = (*FakeProvider)(nil)

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Pages:    make(map[string]provider.DeliveryPage),
		PostErrs: make(map[string]error),
		Labels:   make(map[string][]string),
	}
}

func (f *FakeProvider) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.NotReady
}

func (f *FakeProvider) ReopensAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Reopens
}

func (f *FakeProvider) SendMessage(_ context.Context, req provider.SendRequest) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		if err != nil {
			return provider.SendResult{}, err
		}
	}
	f.seq++
	f.Sent = append(f.Sent, req)
	return provider.SendResult{ID: fmt.Sprintf("m-%d", f.seq), ConversationID: "c-" + req.To}, nil
}

func (f *FakeProvider) DeliveryPage(_ context.Context, _ time.Time, pageToken string) (provider.DeliveryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PageCalls = append(f.PageCalls, pageToken)
	return f.Pages[pageToken], nil
}

func (f *FakeProvider) CreatePost(_ context.Context, conversationID, text, labelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.PostErrs[conversationID]; err != nil {
		return err
	}
	f.Posts = append(f.Posts, Post{ConversationID: conversationID, Text: text, LabelID: labelID})
	return nil
}

func (f *FakeProvider) ConversationLabels(_ context.Context, conversationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Labels[conversationID], nil
}

func (f *FakeProvider) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

// Status builds a provider error with the given HTTP status.
func Status(code int) error {
	return &provider.HTTPError{Op: "send_message", StatusCode: code}
}
