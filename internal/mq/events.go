package mq

import (
	"context"
	"time"
)

// UserRegistered is emitted once per successful registration.
type UserRegistered struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	RegisteredAt time.Time `json:"registered_at"`
}

// PublishUserRegistered sends evt to channel.
func (m *MQ) PublishUserRegistered(ctx context.Context, channel string, evt UserRegistered) error {
	_, err := m.PublishJSON(ctx, channel, evt)
	return err
}
