package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

type stubProvider struct {
	responses []core.ChatResponse
	i         int
}

func (p *stubProvider) CreateMessage(context.Context, core.ChatRequest) (core.ChatResponse, error) {
	r := p.responses[p.i]
	if p.i < len(p.responses)-1 {
		p.i++
	}
	return r, nil
}
func (p *stubProvider) Name() string { return "stub" }

func textResp(stop core.StopReason, text string) core.ChatResponse {
	return core.ChatResponse{StopReason: stop, Content: []core.ContentBlock{core.TextBlock(text)}}
}

type memStoreStub struct {
	messages map[string][]core.ConversationMessage
}

func newMemStoreStub() *memStoreStub { return &memStoreStub{messages: map[string][]core.ConversationMessage{}} }

func (m *memStoreStub) UpsertItem(context.Context, core.MemoryItem, []float32) (string, error) {
	return "id", nil
}
func (m *memStoreStub) Search(context.Context, core.MemoryQuery) ([]core.ScoredMemoryItem, error) {
	return nil, nil
}
func (m *memStoreStub) GetItem(context.Context, string) (core.MemoryItem, error) { return core.MemoryItem{}, nil }
func (m *memStoreStub) DeleteItem(context.Context, string) error                 { return nil }
func (m *memStoreStub) Index(context.Context, string) ([]core.MemoryIndexEntry, error) {
	return nil, nil
}
func (m *memStoreStub) AppendMessage(_ context.Context, chatID, _ string, msg core.ConversationMessage) error {
	m.messages[chatID] = append(m.messages[chatID], msg)
	return nil
}
func (m *memStoreStub) GetConversation(_ context.Context, chatID, monthKey string) (core.Conversation, bool, error) {
	msgs, ok := m.messages[chatID]
	if !ok {
		return core.Conversation{}, false, nil
	}
	return core.Conversation{ChatID: chatID, MonthKey: monthKey, Messages: msgs}, true, nil
}
func (m *memStoreStub) AdvanceExtraction(context.Context, string, string, int) error { return nil }
func (m *memStoreStub) PendingExtraction(context.Context, int) ([]core.Conversation, error) {
	return nil, nil
}
func (m *memStoreStub) ExportJSONL(context.Context, string, core.ExportWriter) error { return nil }
func (m *memStoreStub) Init(context.Context) error                                  { return nil }
func (m *memStoreStub) Close() error                                                { return nil }

var _ core.MemoryStore = (*memStoreStub)(nil)

type stubPlatform struct {
	sent   []string
	cards  []string
	cardID string
}

func (p *stubPlatform) Connect(context.Context, core.InboundHandler, core.PassiveHandler) error {
	return nil
}
func (p *stubPlatform) SendText(_ context.Context, _ string, text string) (string, error) {
	p.sent = append(p.sent, text)
	return "msg1", nil
}
func (p *stubPlatform) SendCard(_ context.Context, _ string, card core.Card) (string, error) {
	p.cards = append(p.cards, card.Markdown)
	return "card1", nil
}
func (p *stubPlatform) UpdateCard(_ context.Context, _ string, _ string, card core.Card) error {
	p.cards = append(p.cards, card.Markdown)
	return nil
}
func (p *stubPlatform) DownloadAttachment(context.Context, string) ([]byte, error) { return nil, nil }
func (p *stubPlatform) GetBotID() string                                          { return "bot1" }
func (p *stubPlatform) Name() string                                              { return "stub" }

var _ core.ChatPlatform = (*stubPlatform)(nil)

func newTestMsg(text string) core.IMMessage {
	return core.IMMessage{ChatID: "chat1", SenderID: "u1", SenderName: "Alice", Text: text}
}

func TestDispatch_ChatIntent(t *testing.T) {
	provider := &stubProvider{responses: []core.ChatResponse{
		textResp(core.StopEndTurn, `{"intent":"chat","reply":"Hello there."}`),
	}}
	platform := &stubPlatform{}
	mem := newMemStoreStub()
	d := New(Config{Provider: provider, Model: "m", Memory: mem, Platform: platform,
		Enqueue: func(context.Context, string, string, string, map[string]string) error { return nil }})

	d.Dispatch(context.Background(), newTestMsg("hi"))

	if len(platform.cards) == 0 || platform.cards[len(platform.cards)-1] != "Hello there." {
		t.Fatalf("expected final card to read the reply, got %v", platform.cards)
	}
}

func TestDispatch_CreateTaskMissingTitleAsksToClarify(t *testing.T) {
	provider := &stubProvider{responses: []core.ChatResponse{
		textResp(core.StopEndTurn, `{"intent":"create_task","taskDescription":"do a thing"}`),
	}}
	platform := &stubPlatform{}
	var enqueued bool
	d := New(Config{Provider: provider, Model: "m", Platform: platform,
		Enqueue: func(context.Context, string, string, string, map[string]string) error {
			enqueued = true
			return nil
		}})

	d.Dispatch(context.Background(), newTestMsg("fix the bug"))

	if enqueued {
		t.Fatal("should not enqueue a task with no title")
	}
	if len(platform.cards) == 0 {
		t.Fatal("expected a clarifying card")
	}
}

func TestDispatch_CreateTaskEnqueues(t *testing.T) {
	provider := &stubProvider{responses: []core.ChatResponse{
		textResp(core.StopEndTurn, `{"intent":"create_task","taskTitle":"Fix login bug","taskDescription":"Users can't log in with SSO."}`),
	}}
	platform := &stubPlatform{}
	var gotPrompt, gotBy string
	d := New(Config{Provider: provider, Model: "m", Platform: platform,
		Enqueue: func(_ context.Context, _ string, prompt string, by string, _ map[string]string) error {
			gotPrompt, gotBy = prompt, by
			return nil
		}})

	msg := newTestMsg("please fix the SSO login bug")
	msg.Links = []string{"https://example.com/issue/1"}
	d.Dispatch(context.Background(), msg)

	if gotBy != "u1" {
		t.Fatalf("expected createdBy u1, got %q", gotBy)
	}
	if gotPrompt == "" {
		t.Fatal("expected an enriched description")
	}
}

func TestDispatch_ChatTriggersExtractionAtThreshold(t *testing.T) {
	provider := &stubProvider{responses: []core.ChatResponse{
		textResp(core.StopEndTurn, `{"intent":"chat","reply":"noted"}`),
	}}
	mem := newMemStoreStub()
	mem.messages["chat1"] = []core.ConversationMessage{
		{Role: core.ConvRoleUser, Content: "we decided to use postgres"},
		{Role: core.ConvRoleUser, Content: "and redis for the cache layer"},
	}
	extracted := make(chan core.Conversation, 1)
	d := New(Config{Provider: provider, Model: "m", Memory: mem, Platform: &stubPlatform{},
		ExtractThreshold: 3,
		Extract: func(_ context.Context, conv core.Conversation, _ string) {
			extracted <- conv
		},
		Enqueue: func(context.Context, string, string, string, map[string]string) error { return nil }})

	d.Dispatch(context.Background(), newTestMsg("also kafka for events"))

	select {
	case conv := <-extracted:
		if len(conv.Messages) < 3 {
			t.Errorf("expected the shard handed to the extractor, got %d messages", len(conv.Messages))
		}
	case <-time.After(time.Second):
		t.Fatal("expected extraction to fire once the threshold was crossed")
	}
}

func TestDispatch_BelowThresholdDoesNotExtract(t *testing.T) {
	provider := &stubProvider{responses: []core.ChatResponse{
		textResp(core.StopEndTurn, `{"intent":"chat","reply":"ok"}`),
	}}
	mem := newMemStoreStub()
	called := make(chan struct{}, 1)
	d := New(Config{Provider: provider, Model: "m", Memory: mem, Platform: &stubPlatform{},
		ExtractThreshold: 50,
		Extract: func(context.Context, core.Conversation, string) {
			called <- struct{}{}
		},
		Enqueue: func(context.Context, string, string, string, map[string]string) error { return nil }})

	d.Dispatch(context.Background(), newTestMsg("hi"))

	select {
	case <-called:
		t.Fatal("extraction must not fire below the threshold")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClassify_TruncatedReplyRetriesThenDegrades(t *testing.T) {
	provider := &stubProvider{responses: []core.ChatResponse{
		textResp(core.StopMaxTokens, `{"intent":"chat","reply":"cut off here and no closing br`),
		textResp(core.StopMaxTokens, `still not valid json either`),
	}}
	d := New(Config{Provider: provider, Model: "m"})

	resp, err := d.classify(context.Background(), "irrelevant prompt")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if resp.Intent != "chat" {
		t.Fatalf("expected degraded chat intent, got %q", resp.Intent)
	}
}

func TestParseResponse_FencedJSON(t *testing.T) {
	text := "Sure, here you go:\n```json\n{\"intent\":\"chat\",\"reply\":\"ok\"}\n```"
	r, ok := parseResponse(text)
	if !ok || r.Intent != "chat" || r.Reply != "ok" {
		t.Fatalf("fenced parse failed: %+v ok=%v", r, ok)
	}
}

func TestParseResponse_LeadingProseBalancedBraces(t *testing.T) {
	text := `Thinking about this {nested example} aside, here's my answer: {"intent":"query_memory","reply":"yes we discussed that"}`
	r, ok := parseResponse(text)
	if !ok || r.Intent != "query_memory" {
		t.Fatalf("balanced-object parse failed: %+v ok=%v", r, ok)
	}
}

func TestParseResponse_RegexFallback(t *testing.T) {
	text := `intent": "create_task", taskTitle": "Add retries", taskDescription": "wrap calls with backoff`
	r, ok := parseResponse(text)
	if !ok || r.Intent != "create_task" || r.TaskTitle != "Add retries" {
		t.Fatalf("regex fallback failed: %+v ok=%v", r, ok)
	}
}

func TestParseResponse_FreeTextNoJSON(t *testing.T) {
	_, ok := parseResponse("just a normal sentence with no structure at all")
	if ok {
		t.Fatal("expected no match for unstructured free text")
	}
}

func TestLargestBalancedObject(t *testing.T) {
	s, ok := largestBalancedObject(`prefix {a: {b: 1}} suffix`)
	if !ok || s != "{a: {b: 1}}" {
		t.Fatalf("got %q ok=%v", s, ok)
	}
}

func TestUnescapeJSONString(t *testing.T) {
	got := unescapeJSONString(`line one\nline two`)
	want := "line one\nline two"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestTryUnmarshal_RequiresIntent(t *testing.T) {
	if _, ok := tryUnmarshal(`{"reply":"no intent field"}`); ok {
		t.Fatal("expected failure without an intent field")
	}
	var r response
	if err := json.Unmarshal([]byte(`{"intent":"chat"}`), &r); err != nil || r.Intent != "chat" {
		t.Fatalf("sanity unmarshal failed: %v", err)
	}
}
