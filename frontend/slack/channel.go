// Package slack implements core.ChatPlatform for Slack over Socket Mode,
// using the slack-go/slack client. Thinner than frontend/feishu: Slack
// already dedups event deliveries by envelope ID and debounces typing
// naturally via threads, so this adapter only needs to add the mention
// debounce the spec requires uniformly across platforms.
package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

var (
	debounceInitial = 3 * time.Second
	debounceCeiling = 15 * time.Second
)

// Channel implements core.ChatPlatform for Slack.
type Channel struct {
	api    *slack.Client
	client *socketmode.Client
	botID  string

	onMessage core.InboundHandler
	onPassive core.PassiveHandler

	pendingMu sync.Mutex
	pending   map[string]*pendingDispatch
}

type pendingDispatch struct {
	timer     *time.Timer
	firstSeen time.Time
	primary   core.IMMessage
	followups []core.IMMessage
}

var _ core.ChatPlatform = (*Channel)(nil)

// New creates a Slack adapter. appToken is the app-level "xapp-" token used
// for Socket Mode; botToken is the "xoxb-" bot token used for Web API calls.
func New(botToken, appToken string) *Channel {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Channel{
		api:     api,
		client:  socketmode.New(api),
		pending: make(map[string]*pendingDispatch),
	}
}

func (c *Channel) Name() string     { return "slack" }
func (c *Channel) GetBotID() string { return c.botID }

// Connect starts the Socket Mode event loop and blocks until ctx is cancelled.
func (c *Channel) Connect(ctx context.Context, onMessage core.InboundHandler, onPassive core.PassiveHandler) error {
	c.onMessage = onMessage
	c.onPassive = onPassive

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botID = auth.UserID

	go func() {
		for evt := range c.client.Events {
			c.handleSocketEvent(ctx, evt)
		}
	}()

	return c.client.RunContext(ctx)
}

func (c *Channel) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		c.client.Ack(*evt.Request)
	}

	inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if inner.BotID != "" || inner.User == c.botID {
		return // ignore the bot's own messages
	}

	mentioned := strings.Contains(inner.Text, "<@"+c.botID+">")
	text := strings.TrimSpace(strings.ReplaceAll(inner.Text, "<@"+c.botID+">", ""))

	im := core.IMMessage{
		ChatID:    inner.Channel,
		MessageID: inner.TimeStamp,
		SenderID:  inner.User,
		Text:      text,
		Timestamp: core.NowUnix(),
	}

	isDM := strings.HasPrefix(inner.Channel, "D")
	if isDM || mentioned {
		c.debounceDispatch(ctx, im, true)
		return
	}

	if c.onPassive != nil {
		c.onPassive(ctx, im)
	}
}

// debounceDispatch mirrors frontend/feishu's mention-debounce window: 3s
// after the first mention, extended per follow-up up to a 15s ceiling.
func (c *Channel) debounceDispatch(ctx context.Context, msg core.IMMessage, isMention bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	p, ok := c.pending[msg.ChatID]
	if !ok {
		if !isMention {
			if c.onPassive != nil {
				c.onPassive(ctx, msg)
			}
			return
		}
		p = &pendingDispatch{firstSeen: time.Now(), primary: msg}
		c.pending[msg.ChatID] = p
		p.timer = time.AfterFunc(debounceInitial, func() { c.flush(ctx, msg.ChatID) })
		return
	}

	p.followups = append(p.followups, msg)
	elapsed := time.Since(p.firstSeen)
	remaining := debounceCeiling - elapsed
	wait := debounceInitial
	if wait > remaining {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	p.timer.Stop()
	p.timer = time.AfterFunc(wait, func() { c.flush(ctx, msg.ChatID) })
}

func (c *Channel) flush(ctx context.Context, chatID string) {
	c.pendingMu.Lock()
	p, ok := c.pending[chatID]
	if !ok {
		c.pendingMu.Unlock()
		return
	}
	delete(c.pending, chatID)
	c.pendingMu.Unlock()

	merged := p.primary
	var texts []string
	if merged.Text != "" {
		texts = append(texts, merged.Text)
	}
	for _, f := range p.followups {
		texts = append(texts, f.Text)
		merged.Attachments = append(merged.Attachments, f.Attachments...)
	}
	merged.Text = strings.Join(texts, "\n")

	if c.onMessage != nil {
		c.onMessage(ctx, merged)
	}
	if c.onPassive != nil {
		for _, f := range p.followups {
			c.onPassive(ctx, f)
		}
	}
}

// --- Outbound ---

func (c *Channel) SendText(ctx context.Context, chatID string, text string) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, chatID, slack.MsgOptionText(text, false))
	return ts, err
}

func (c *Channel) SendCard(ctx context.Context, chatID string, card core.Card) (string, error) {
	blocks := cardBlocks(card)
	_, ts, err := c.api.PostMessageContext(ctx, chatID, slack.MsgOptionBlocks(blocks...))
	return ts, err
}

func (c *Channel) UpdateCard(ctx context.Context, chatID string, messageID string, card core.Card) error {
	blocks := cardBlocks(card)
	_, _, _, err := c.api.UpdateMessageContext(ctx, chatID, messageID, slack.MsgOptionBlocks(blocks...))
	return err
}

func (c *Channel) DownloadAttachment(ctx context.Context, fileID string) ([]byte, error) {
	file, _, _, err := c.api.GetFileInfoContext(ctx, fileID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("slack: get file info: %w", err)
	}
	var buf strings.Builder
	if err := c.api.GetFileContext(ctx, file.URLPrivateDownload, &sliceWriter{&buf}); err != nil {
		return nil, fmt.Errorf("slack: download file: %w", err)
	}
	return []byte(buf.String()), nil
}

// sliceWriter adapts strings.Builder to io.Writer for GetFileContext, which
// expects an io.Writer rather than returning bytes directly.
type sliceWriter struct{ b *strings.Builder }

func (w *sliceWriter) Write(p []byte) (int, error) { return w.b.Write(p) }

func cardBlocks(card core.Card) []slack.Block {
	var blocks []slack.Block
	if card.Header != "" {
		blocks = append(blocks, slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, card.Header, false, false)))
	}
	blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, card.Markdown, false, false), nil, nil))
	return blocks
}
