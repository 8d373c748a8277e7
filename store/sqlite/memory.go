package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// MemoryStoreOption configures a SQLite MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryLogger sets a structured logger for the memory store. When
// set, the store emits debug logs for every operation including timing,
// row counts, and key parameters. If not set, no logs are emitted.
func WithMemoryLogger(l *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// MemoryStore implements core.MemoryStore backed by SQLite: memory_items
// for dense content with FTS5 keyword search, embedding_cache to avoid
// re-embedding identical content, and conversations for append-only
// per-(chatId, monthKey) shards. Vector similarity is brute-force cosine
// in-process, matching the scale the spec targets (single-project memory,
// not a corpus-wide index).
//
// Use NewMemoryStore with a shared *sql.DB from Store.DB() so both Store
// and MemoryStore serialize through the same single connection.
type MemoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ core.MemoryStore = (*MemoryStore)(nil)

// NewMemoryStore builds a MemoryStore sharing db's connection pool.
func NewMemoryStore(db *sql.DB, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// hybridVectorWeight and hybridKeywordWeight blend the two search phases
// before the salience boost is applied.
const (
	hybridVectorWeight  = 0.7
	hybridKeywordWeight = 0.3
	salienceHalfLifeDays = 30.0
)

func (s *MemoryStore) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			source TEXT NOT NULL,
			source_id TEXT,
			project_path TEXT NOT NULL,
			created_by TEXT,
			created_at INTEGER NOT NULL,
			reinforcement_count INTEGER NOT NULL DEFAULT 1,
			last_reinforced_at INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_items_hash ON memory_items(content_hash, project_path)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_type ON memory_items(project_path, type)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(content, content='memory_items', content_rowid='rowid')`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ai AFTER INSERT ON memory_items BEGIN
			INSERT INTO memory_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ad AFTER DELETE ON memory_items BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_au AFTER UPDATE ON memory_items BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO memory_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			vector TEXT NOT NULL,
			model TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			chat_id TEXT NOT NULL,
			month_key TEXT NOT NULL,
			project_path TEXT NOT NULL,
			messages TEXT NOT NULL DEFAULT '[]',
			extracted_up_to INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_id, month_key)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: memory init: %w", err)
		}
	}
	s.logger.Info("sqlite: memory store init complete")
	return nil
}

func (s *MemoryStore) Close() error { return nil } // shares Store's *sql.DB; Store.Close() closes it

// ContentHash returns the dedup key for a memory item:
// sha256(lower(collapseWhitespace(trim(content)))). The same fact recorded
// with different spacing, casing, or from a different source still collides
// and reinforces rather than duplicates.
func ContentHash(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

func (s *MemoryStore) UpsertItem(ctx context.Context, item core.MemoryItem, embedding []float32) (string, error) {
	if item.ContentHash == "" {
		item.ContentHash = ContentHash(item.Content)
	}
	now := time.Now().Unix()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}

	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM memory_items WHERE content_hash = ? AND project_path = ?`,
		item.ContentHash, item.ProjectPath).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memory_items SET reinforcement_count = reinforcement_count + 1, last_reinforced_at = ? WHERE id = ?`,
			now, existingID); err != nil {
			return "", fmt.Errorf("sqlite: reinforce item: %w", err)
		}
		return existingID, nil
	case err != sql.ErrNoRows:
		return "", fmt.Errorf("sqlite: lookup item by hash: %w", err)
	}

	if item.ID == "" {
		item.ID = core.NewID()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_items (id, type, content, content_hash, source, source_id, project_path, created_by, created_at, reinforcement_count, last_reinforced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		item.ID, item.Type, item.Content, item.ContentHash, item.Source, item.SourceID, item.ProjectPath, item.CreatedBy, item.CreatedAt, item.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("sqlite: insert item: %w", err)
	}

	if embedding != nil {
		vec, _ := serializeEmbedding(embedding)
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO embedding_cache (content_hash, vector, model, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(content_hash) DO UPDATE SET vector = excluded.vector`,
			item.ContentHash, vec, "default", now); err != nil {
			return "", fmt.Errorf("sqlite: cache embedding: %w", err)
		}
	}
	return item.ID, nil
}

func (s *MemoryStore) GetItem(ctx context.Context, id string) (core.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, content, content_hash, source, source_id, project_path, created_by, created_at, reinforcement_count, last_reinforced_at
		 FROM memory_items WHERE id = ?`, id)
	return scanMemoryItem(row)
}

func (s *MemoryStore) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id)
	return err
}

func scanMemoryItem(row *sql.Row) (core.MemoryItem, error) {
	var it core.MemoryItem
	var sourceID, createdBy sql.NullString
	var lastReinforced sql.NullInt64
	if err := row.Scan(&it.ID, &it.Type, &it.Content, &it.ContentHash, &it.Source, &sourceID, &it.ProjectPath, &createdBy, &it.CreatedAt, &it.ReinforcementCount, &lastReinforced); err != nil {
		return core.MemoryItem{}, fmt.Errorf("sqlite: scan memory item: %w", err)
	}
	it.SourceID = sourceID.String
	it.CreatedBy = createdBy.String
	it.LastReinforcedAt = lastReinforced.Int64
	return it, nil
}

// Search performs hybrid vector+keyword search. When q.QueryVector is nil
// it degrades to keyword-only; when q.QueryText is empty it degrades to
// vector-only. Both phases run brute-force over the project's items,
// which is the right tradeoff at per-project memory scale.
func (s *MemoryStore) Search(ctx context.Context, q core.MemoryQuery) ([]core.ScoredMemoryItem, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}

	vecScores, err := s.vectorScores(ctx, q)
	if err != nil {
		return nil, err
	}
	kwScores, err := s.keywordScores(ctx, q)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]float64)
	sources := make(map[string]string)
	for id, sc := range vecScores {
		ids[id] += hybridVectorWeight * sc
		sources[id] = "vector"
	}
	for id, sc := range kwScores {
		if _, ok := ids[id]; ok {
			sources[id] = "hybrid"
		} else {
			sources[id] = "keyword"
		}
		ids[id] += hybridKeywordWeight * sc
	}
	if len(q.QueryVector) == 0 {
		for id := range ids {
			sources[id] = "keyword"
		}
	} else if q.QueryText == "" {
		for id := range ids {
			sources[id] = "vector"
		}
	}

	var out []core.ScoredMemoryItem
	now := time.Now().Unix()
	for id, score := range ids {
		item, err := s.GetItem(ctx, id)
		if err != nil {
			continue
		}
		if !matchesTypeFilter(item.Type, q.Types) || item.ProjectPath != q.ProjectPath {
			continue
		}
		daysSince := float64(now-item.CreatedAt) / 86400.0
		salience := math.Log(1+float64(item.ReinforcementCount)) * math.Exp(-math.Ln2*daysSince/salienceHalfLifeDays)
		if salience <= 0 {
			salience = 1 // a brand-new, never-reinforced item still surfaces on raw match score
		}
		out = append(out, core.ScoredMemoryItem{
			MemoryItem:  item,
			Score:       score * salience,
			MatchSource: sources[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func matchesTypeFilter(t core.MemoryItemType, allowed []core.MemoryItemType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

func (s *MemoryStore) vectorScores(ctx context.Context, q core.MemoryQuery) (map[string]float64, error) {
	scores := make(map[string]float64)
	if len(q.QueryVector) == 0 {
		return scores, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT mi.id, ec.vector FROM memory_items mi
		 JOIN embedding_cache ec ON ec.content_hash = mi.content_hash
		 WHERE mi.project_path = ?`, q.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, vecJSON string
		if err := rows.Scan(&id, &vecJSON); err != nil {
			return nil, err
		}
		vec, err := deserializeEmbedding(vecJSON)
		if err != nil {
			continue
		}
		scores[id] = float64(cosineSimilarity(q.QueryVector, vec))
	}
	return scores, rows.Err()
}

func (s *MemoryStore) keywordScores(ctx context.Context, q core.MemoryQuery) (map[string]float64, error) {
	scores := make(map[string]float64)
	if strings.TrimSpace(q.QueryText) == "" {
		return scores, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT mi.id, -f.rank AS score FROM memory_fts f
		 JOIN memory_items mi ON mi.rowid = f.rowid
		 WHERE f.content MATCH ? AND mi.project_path = ?
		 ORDER BY f.rank LIMIT 200`, ftsQuery(q.QueryText), q.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keyword scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		if score < 0 {
			score = 0
		}
		scores[id] = score
	}
	return scores, rows.Err()
}

// ftsQuery wraps each term in double quotes so punctuation in user text
// (":" , "-", etc.) doesn't break FTS5's query syntax.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	for i, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		fields[i] = `"` + f + `"`
	}
	return strings.Join(fields, " OR ")
}

func (s *MemoryStore) Index(ctx context.Context, projectPath string) ([]core.MemoryIndexEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM memory_items WHERE project_path = ? GROUP BY type`, projectPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: index counts: %w", err)
	}
	var entries []core.MemoryIndexEntry
	counts := make(map[core.MemoryItemType]int)
	for rows.Next() {
		var t core.MemoryItemType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, err
		}
		counts[t] = n
	}
	rows.Close()

	for t, n := range counts {
		previews, err := s.recentPreviews(ctx, projectPath, t, 3)
		if err != nil {
			return nil, err
		}
		entries = append(entries, core.MemoryIndexEntry{Type: t, Count: n, Preview: previews})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Type < entries[j].Type })
	return entries, nil
}

func (s *MemoryStore) recentPreviews(ctx context.Context, projectPath string, t core.MemoryItemType, limit int) ([]core.MemoryItemPreview, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at, created_by FROM memory_items
		 WHERE project_path = ? AND type = ? ORDER BY created_at DESC LIMIT ?`, projectPath, t, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent previews: %w", err)
	}
	defer rows.Close()
	var out []core.MemoryItemPreview
	for rows.Next() {
		var p core.MemoryItemPreview
		var content string
		var createdBy sql.NullString
		if err := rows.Scan(&p.ID, &content, &p.CreatedAt, &createdBy); err != nil {
			return nil, err
		}
		p.CreatedBy = createdBy.String
		if len(content) > 80 {
			content = content[:80]
		}
		p.Preview = content
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Conversations ---

func (s *MemoryStore) AppendMessage(ctx context.Context, chatID, projectPath string, msg core.ConversationMessage) error {
	monthKey := time.Unix(msg.Timestamp, 0).UTC().Format("2006-01")
	conv, ok, err := s.GetConversation(ctx, chatID, monthKey)
	if err != nil {
		return err
	}
	if !ok {
		conv = core.Conversation{ChatID: chatID, MonthKey: monthKey, ProjectPath: projectPath}
	}
	conv.Messages = append(conv.Messages, msg)
	data, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("sqlite: marshal conversation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (chat_id, month_key, project_path, messages, extracted_up_to) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id, month_key) DO UPDATE SET messages = excluded.messages`,
		chatID, monthKey, projectPath, string(data), conv.ExtractedUpTo)
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, chatID, monthKey string) (core.Conversation, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, month_key, project_path, messages, extracted_up_to FROM conversations WHERE chat_id = ? AND month_key = ?`,
		chatID, monthKey)
	var conv core.Conversation
	var messagesJSON string
	if err := row.Scan(&conv.ChatID, &conv.MonthKey, &conv.ProjectPath, &messagesJSON, &conv.ExtractedUpTo); err != nil {
		if err == sql.ErrNoRows {
			return core.Conversation{}, false, nil
		}
		return core.Conversation{}, false, fmt.Errorf("sqlite: get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
		return core.Conversation{}, false, fmt.Errorf("sqlite: unmarshal conversation: %w", err)
	}
	return conv, true, nil
}

func (s *MemoryStore) AdvanceExtraction(ctx context.Context, chatID, monthKey string, upTo int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET extracted_up_to = ? WHERE chat_id = ? AND month_key = ?`, upTo, chatID, monthKey)
	return err
}

func (s *MemoryStore) PendingExtraction(ctx context.Context, threshold int) ([]core.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, month_key, project_path, messages, extracted_up_to FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pending extraction: %w", err)
	}
	defer rows.Close()

	var out []core.Conversation
	for rows.Next() {
		var conv core.Conversation
		var messagesJSON string
		if err := rows.Scan(&conv.ChatID, &conv.MonthKey, &conv.ProjectPath, &messagesJSON, &conv.ExtractedUpTo); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
			continue
		}
		if len(conv.Messages)-conv.ExtractedUpTo >= threshold {
			out = append(out, conv)
		}
	}
	return out, rows.Err()
}

// --- Export ---

func (s *MemoryStore) ExportJSONL(ctx context.Context, projectPath string, w core.ExportWriter) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, content_hash, source, source_id, project_path, created_by, created_at, reinforcement_count, last_reinforced_at
		 FROM memory_items WHERE project_path = ? ORDER BY created_at ASC`, projectPath)
	if err != nil {
		return fmt.Errorf("sqlite: export query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it core.MemoryItem
		var sourceID, createdBy sql.NullString
		var lastReinforced sql.NullInt64
		if err := rows.Scan(&it.ID, &it.Type, &it.Content, &it.ContentHash, &it.Source, &sourceID, &it.ProjectPath, &createdBy, &it.CreatedAt, &it.ReinforcementCount, &lastReinforced); err != nil {
			return err
		}
		it.SourceID = sourceID.String
		it.CreatedBy = createdBy.String
		it.LastReinforcedAt = lastReinforced.Int64
		data, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("sqlite: export write: %w", err)
		}
	}
	return rows.Err()
}

// --- Vector math, shared with Store's embedding cache ---

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func serializeEmbedding(embedding []float32) (string, error) {
	data, err := json.Marshal(embedding)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
