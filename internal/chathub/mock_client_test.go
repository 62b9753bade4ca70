package chathub_test

import (
	"sync"
	"testing"
	"time"

	"teamchat/backend/internal/models"
)

type MockClient struct {
	id          string
	RecvChannel chan models.Envelope

	mu     sync.Mutex
	closed bool
}

func newMockClient(id string) *MockClient {
	return newMockClientBuffer(id, 32)
}

func newMockClientBuffer(id string, n int) *MockClient {
	return &MockClient{id: id, RecvChannel: make(chan models.Envelope, n)}
}

func (c *MockClient) ConnID() string { return c.id }

func (c *MockClient) Deliver(env models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.RecvChannel <- env:
		return true
	default:
		return false
	}
}

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MockClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drain returns every queued envelope.
func (c *MockClient) drain() []models.Envelope {
	var out []models.Envelope
	for {
		select {
		case env := <-c.RecvChannel:
			out = append(out, env)
		default:
			return out
		}
	}
}

// events returns the names of every queued envelope.
func (c *MockClient) events() []string {
	var names []string
	for _, env := range c.drain() {
		names = append(names, env.Event)
	}
	return names
}

// expect waits for the next envelope and fails unless it is named event.
func (c *MockClient) expect(t *testing.T, event string) models.Envelope {
	t.Helper()
	select {
	case env := <-c.RecvChannel:
		if env.Event != event {
			t.Fatalf("client %s: got event %q (%+v), want %q", c.id, env.Event, env.Payload, event)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("client %s: timed out waiting for %q", c.id, event)
		return models.Envelope{}
	}
}
