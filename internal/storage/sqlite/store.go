package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/storage"
)

// Store is a SQLite implementation of storage.Store
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// connPragmas are applied by the driver to every pooled connection.
// Immediate transactions take the write lock at BEGIN, so concurrent writers
// wait on busy_timeout instead of failing when a read upgrades to a write.
var connPragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=foreign_keys(1)",
	"_txlock=immediate",
}

// dsn appends the connection pragmas to a database path.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + strings.Join(connPragmas, "&")
}

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each pooled connection to an in-memory database would otherwise see its own empty database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			encrypted_key TEXT NOT NULL,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, provider)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	conv.CreatedAt = time.Now().UTC()
	conv.UpdatedAt = conv.CreatedAt

	query := `INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.OwnerID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT id, owner_id, title, created_at, updated_at
	          FROM conversations WHERE id = ?`

	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.OwnerID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*domain.Conversation, error) {
	query := `SELECT id, owner_id, title, created_at, updated_at
	          FROM conversations WHERE owner_id = ?
	          ORDER BY updated_at DESC
	          LIMIT ? OFFSET ?`

	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, query, opts.OwnerID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := []*domain.Conversation{}
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, &conv)
	}

	return conversations, rows.Err()
}

func (s *Store) ListTurns(ctx context.Context, convID string) ([]domain.Turn, error) {
	if _, err := s.GetConversation(ctx, convID); err != nil {
		return nil, err
	}

	query := `SELECT id, conversation_id, role, content, token_count, created_at
	          FROM turns WHERE conversation_id = ?
	          ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns := []domain.Turn{}
	for rows.Next() {
		var t domain.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &t.TokenCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = domain.Role(role)
		turns = append(turns, t)
	}

	return turns, rows.Err()
}

func (s *Store) AddTurn(ctx context.Context, convID string, turn *domain.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM turns WHERE conversation_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, convID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read last turn: %w", err)
	}

	// Keep turns strictly ordered even when the clock does not advance.
	createdAt := time.Now().UTC()
	if !createdAt.After(last) {
		createdAt = last.Add(time.Microsecond)
	}

	// Update conversation updated_at first so a missing conversation is detected.
	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, createdAt, convID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	query := `INSERT INTO turns (id, conversation_id, role, content, token_count, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query,
		turn.ID, convID, string(turn.Role), turn.Content, turn.TokenCount, createdAt); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}

	turn.ConversationID = convID
	turn.CreatedAt = createdAt
	return nil
}

// DeleteConversation removes a conversation; its turns go with it through the
// foreign key cascade.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, userID, provider string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_key FROM api_keys WHERE user_id = ? AND provider = ?`,
		userID, provider).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get credential: %w", err)
	}
	return key, nil
}

func (s *Store) PutCredential(ctx context.Context, userID, provider, apiKey string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO api_keys (user_id, provider, encrypted_key, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, provider) DO UPDATE SET encrypted_key=excluded.encrypted_key;
	`, userID, provider, apiKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID, provider string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) TouchCredential(ctx context.Context, userID, provider string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE user_id = ? AND provider = ?`,
		time.Now().UTC(), userID, provider)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
