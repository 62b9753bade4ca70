package chathub

import "teamchat/backend/internal/models"

// Client is the interface for any type of connection (WebSocket today).
// It abstracts the underlying transport so the registry and broadcaster
// can manage every client uniformly.
type Client interface {
	// ConnID returns the unique identifier of this connection.
	ConnID() string

	// Deliver queues env for sending without blocking. It returns false
	// when the event was dropped because the send buffer is full or the
	// client is closed.
	Deliver(env models.Envelope) bool

	// Run starts the client's read and write pumps.
	Run()
	// Close stops delivery and shuts the connection down. Safe to call
	// more than once and concurrently with Deliver.
	Close()
}
