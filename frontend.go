package casemill

import "context"

// Messenger is the narrow seam toward the messaging transport.
//
// Implementations (frontend/telegram) deliver inbound events to the
// Ingestor and send replies back with an optional quote and mentions.
// Send returns the transport's sent-message identity; an empty identity
// on a nil error means the transport accepted but did not acknowledge,
// which is not fatal.
type Messenger interface {
	// SendGroupText sends text to a group, optionally quoting an earlier
	// message and mentioning recipients.
	SendGroupText(ctx context.Context, groupID, text string, quote *Quote, mentions []string) (string, error)

	// ListGroups enumerates the groups the bot can see.
	ListGroups(ctx context.Context) ([]Group, error)

	// Events starts delivery of inbound events. The channel closes when
	// ctx is cancelled.
	Events(ctx context.Context) (<-chan IncomingEvent, error)
}
