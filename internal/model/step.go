// internal/model/step.go
package model

import "github.com/google/uuid"

// Channel is the delivery channel of a sequence step.
type Channel string

const (
	ChannelMessage Channel = "message"
	ChannelVoice   Channel = "voice"
)

// SequenceStep is one ordered, immutable step of a sequence template.
// DelayMinutes is the wait between the previous step and this one firing.
type SequenceStep struct {
	ID           uuid.UUID `db:"id" json:"id"`
	SequenceID   uuid.UUID `db:"sequence_id" json:"sequence_id"`
	StepOrder    int       `db:"step_order" json:"step_order"`
	Channel      Channel   `db:"channel" json:"channel"`
	Content      string    `db:"content" json:"content"`
	DelayMinutes int       `db:"delay_minutes" json:"delay_minutes"`
}
