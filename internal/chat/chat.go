// Package chat is the operator-facing approval channel. Decision
// notifications go out with inline buttons whose callback payloads carry
// the compact colon protocol; button presses come back through the
// callback router.
package chat

import (
	"context"
)

// Button is one inline action button. Payload is the colon-protocol
// callback data, e.g. "approve:412".
type Button struct {
	Label   string
	Payload string
}

// MessageRef identifies a posted message for later edits.
type MessageRef struct {
	ChatID    string
	MessageID int
}

// Channel is the chat platform surface the pipeline core needs. The wire
// mechanics behind it are an external collaborator.
type Channel interface {
	// Ack answers a callback immediately ("processing…") so the platform
	// stops its spinner. Must be fast; never blocked on handler work.
	Ack(ctx context.Context, callbackID, text string) error

	// Post sends a notification with optional buttons.
	Post(ctx context.Context, text string, buttons []Button) (MessageRef, error)

	// Update edits a previously posted message, typically to replace the
	// buttons with the decision outcome and an undo button.
	Update(ctx context.Context, ref MessageRef, text string, buttons []Button) error
}
