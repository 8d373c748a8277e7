package devopsbot

import "context"

// InboundHandler is invoked for a message that mentions the bot (or is a
// direct message to it) and should be routed to the Dispatcher.
type InboundHandler func(ctx context.Context, msg IMMessage)

// PassiveHandler is invoked for every other message in a watched chat, so
// the Memory Engine can append it to a conversation shard without routing
// it through the Dispatcher.
type PassiveHandler func(ctx context.Context, msg IMMessage)

// ChatPlatform abstracts one IM backend (Feishu, Slack). An adapter owns
// its own event-age filtering, message-ID dedup and mention debounce;
// callers only ever see already-normalized, already-deduplicated IMMessage
// values.
type ChatPlatform interface {
	// Connect starts the event loop (webhook server or long-lived socket,
	// adapter's choice) and registers the two handlers above. Blocks until
	// ctx is cancelled or the underlying transport fails fatally.
	Connect(ctx context.Context, onMessage InboundHandler, onPassive PassiveHandler) error
	// SendText sends a plain reply into chatID, returning the platform
	// message ID for later updates.
	SendText(ctx context.Context, chatID string, text string) (string, error)
	// SendCard sends a rich card reply, returning the platform message ID.
	SendCard(ctx context.Context, chatID string, card Card) (string, error)
	// UpdateCard replaces the content of a previously sent card in place.
	UpdateCard(ctx context.Context, chatID string, messageID string, card Card) error
	// DownloadAttachment fetches attachment bytes by file ID.
	DownloadAttachment(ctx context.Context, fileID string) ([]byte, error)
	// GetBotID returns the platform's own user/bot ID, used to recognize
	// self-mentions and to filter the bot's own messages out of passive
	// conversation capture.
	GetBotID() string
	// Name returns the platform name ("feishu", "slack").
	Name() string
}
