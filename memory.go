package devopsbot

import "context"

// MemoryQuery bundles the inputs to a hybrid search: a dense embedding for
// vector similarity, the raw text for keyword/BM25 matching, and the
// project scope. Either QueryVector or QueryText may be omitted (a store
// that lacks embeddings degrades to keyword-only; a store with no FTS
// degrades to vector-only) but not both.
type MemoryQuery struct {
	ProjectPath string
	QueryText   string
	QueryVector []float32
	Types       []MemoryItemType // empty means all types
	TopK        int
}

// MemoryStore is the Memory Engine's persistence and search contract
// (spec §4.6): hybrid vector+keyword+salience search, content-hash
// dedup-or-reinforce, append-only conversation shards with incremental
// extraction, and a compact index for Dispatcher prompt assembly.
type MemoryStore interface {
	// UpsertItem inserts a new MemoryItem, or — when an item with the same
	// (ContentHash, ProjectPath) already exists — reinforces it instead
	// (ReinforcementCount++, LastReinforcedAt = now) and returns the
	// existing item's ID. Embedding may be nil when no EmbeddingProvider is
	// configured; the item remains keyword-searchable via FTS.
	UpsertItem(ctx context.Context, item MemoryItem, embedding []float32) (id string, err error)
	// Search performs hybrid vector+keyword search with a salience boost
	// (score * log(1+reinforcementCount) * exp(-ln2*daysSinceCreated/30)),
	// sorted by Score descending.
	Search(ctx context.Context, q MemoryQuery) ([]ScoredMemoryItem, error)
	// GetItem fetches a single MemoryItem by ID.
	GetItem(ctx context.Context, id string) (MemoryItem, error)
	// DeleteItem removes a single MemoryItem by ID.
	DeleteItem(ctx context.Context, id string) error
	// Index summarizes stored items by type for Dispatcher prompt assembly
	// (spec §4.1's memory-index prompt section).
	Index(ctx context.Context, projectPath string) ([]MemoryIndexEntry, error)

	// --- Conversations ---

	// AppendMessage appends one message to the (chatID, monthKey) shard,
	// creating it if absent.
	AppendMessage(ctx context.Context, chatID, projectPath string, msg ConversationMessage) error
	// GetConversation fetches a shard; ok is false if it doesn't exist yet.
	GetConversation(ctx context.Context, chatID, monthKey string) (conv Conversation, ok bool, err error)
	// AdvanceExtraction records how far the extractor has consumed a shard.
	AdvanceExtraction(ctx context.Context, chatID, monthKey string, upTo int) error
	// PendingExtraction returns shards whose unextracted message count has
	// crossed the extraction threshold.
	PendingExtraction(ctx context.Context, threshold int) ([]Conversation, error)

	// --- Export ---

	// ExportJSONL writes every MemoryItem for projectPath as newline-
	// delimited JSON to w. Nothing in this module calls it on a timer; there
	// is no background export job.
	ExportJSONL(ctx context.Context, projectPath string, w ExportWriter) error

	Init(ctx context.Context) error
	Close() error
}

// ExportWriter is the minimal sink ExportJSONL writes to (satisfied by
// *os.File, a bytes.Buffer, etc. — kept narrow to avoid an io import here).
type ExportWriter interface {
	Write(p []byte) (n int, err error)
}
