package chathub

import (
	"teamchat/backend/internal/models"

	"github.com/rs/zerolog/log"
)

// Broadcaster fans events out to the connections the registry resolves.
// Delivery is fire-and-forget: an empty target set is a no-op and a
// connection whose buffer is full loses the event.
type Broadcaster struct {
	reg *Registry
}

// NewBroadcaster creates a Broadcaster over reg.
func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{reg: reg}
}

// ToRoom sends env to every connection joined to roomID.
func (b *Broadcaster) ToRoom(roomID string, env models.Envelope) {
	for _, c := range b.reg.ConnectionsForRoom(roomID) {
		deliver(c, env)
	}
}

// ToUser sends env to every admitted connection of userID.
func (b *Broadcaster) ToUser(userID string, env models.Envelope) {
	for _, c := range b.reg.ConnectionsForUser(userID) {
		deliver(c, env)
	}
}

// ToConnection sends env to a single connection, admitted or not.
func (b *Broadcaster) ToConnection(connID string, env models.Envelope) {
	if c := b.reg.Get(connID); c != nil {
		deliver(c, env)
	}
}

func deliver(c *Connection, env models.Envelope) {
	if !c.client.Deliver(env) {
		log.Warn().Str("conn_id", c.id).Str("event", env.Event).Msg("dropping event, send buffer full or closed")
	}
}
