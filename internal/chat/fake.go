package chat

import (
	"context"
	"sync"
)

// Fake is an in-memory Channel for tests.
type Fake struct {
	mu      sync.Mutex
	Acks    []string   // callback ids acked, in order
	Posts   []string   // message texts posted
	Buttons [][]Button // buttons attached to each post, parallel to Posts
	Updates []string   // message texts from edits
	nextID  int
}

// NewFakeChannel creates an empty fake channel.
func NewFakeChannel() *Fake {
	return &Fake{}
}

// Ack records the acknowledged callback id.
func (f *Fake) Ack(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Acks = append(f.Acks, callbackID)
	return nil
}

// Post records the message text.
func (f *Fake) Post(ctx context.Context, text string, buttons []Button) (MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posts = append(f.Posts, text)
	f.Buttons = append(f.Buttons, buttons)
	f.nextID++
	return MessageRef{ChatID: "fake", MessageID: f.nextID}, nil
}

// Update records the edited text.
func (f *Fake) Update(ctx context.Context, ref MessageRef, text string, buttons []Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates = append(f.Updates, text)
	return nil
}

// AckCount returns how many callbacks were acknowledged.
func (f *Fake) AckCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Acks)
}
