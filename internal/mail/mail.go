// Package mail holds the outbound mail transport contract.
package mail

import (
	"context"

	"redress/internal/domain"
)

// Receipt is the transport's acknowledgement for one send.
type Receipt struct {
	MessageID string   `json:"message_id"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

// Mailer delivers one message. Implementations are wrapped by the
// resilience layer; they should not retry internally.
type Mailer interface {
	Send(ctx context.Context, msg domain.EmailPayload) (Receipt, error)
}
