package chatclient

import (
	"context"
	"sync"
)

// FakeClient is an in-memory chatclient.Client used by the session and
// dispatch tests in place of a real chat-network
// connection. Tests drive it by calling Emit.
type FakeClient struct {
	mu          sync.Mutex
	onEvent     func(Event)
	destroyed   bool
	Sent        []FakeSend
	TypingCalls []string

	InitializeErr error
	SendErr       error
}

// FakeSend records a call to SendMessage or SendImage.
type FakeSend struct {
	To      string
	Body    string
	IsImage bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

func (f *FakeClient) Initialize(ctx context.Context, onEvent func(Event)) error {
	if f.InitializeErr != nil {
		return f.InitializeErr
	}
	f.mu.Lock()
	f.onEvent = onEvent
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) SendMessage(ctx context.Context, to, body string) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	f.Sent = append(f.Sent, FakeSend{To: to, Body: body})
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) SendImage(ctx context.Context, to string, data []byte, mimeType, filename, caption string) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	f.Sent = append(f.Sent, FakeSend{To: to, Body: caption, IsImage: true})
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) SendChatPresence(ctx context.Context, to string, composing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if composing {
		f.TypingCalls = append(f.TypingCalls, "start:"+to)
	} else {
		f.TypingCalls = append(f.TypingCalls, "stop:"+to)
	}
	return nil
}

func (f *FakeClient) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Emit delivers evt to whatever handler Initialize installed. It is a
// no-op if Initialize has not yet been called (or has failed).
func (f *FakeClient) Emit(evt Event) {
	f.mu.Lock()
	handler := f.onEvent
	f.mu.Unlock()
	if handler != nil {
		handler(evt)
	}
}

// NewFakeFactory returns a Factory that hands out FakeClient instances,
// recording each one in created (keyed by agentID) so a test can reach
// in and drive events after the session supervisor has constructed it.
func NewFakeFactory(created map[string]*FakeClient, mu *sync.Mutex) Factory {
	return func(agentID, authDir string) Client {
		c := NewFakeClient()
		mu.Lock()
		created[agentID] = c
		mu.Unlock()
		return c
	}
}
