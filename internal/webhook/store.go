// Package webhook persists webhook definitions and the notification records
// created when a webhook trigger delegates a task. The dispatcher updates
// the record with the task's result instead of sending a chat message.
package webhook

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS webhook_definitions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    notify_channels TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_notifications (
    id TEXT PRIMARY KEY,
    webhook_id TEXT NOT NULL REFERENCES webhook_definitions(id),
    task_id TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    result TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhook_notifications_task ON webhook_notifications(task_id);
`

// ErrNotFound is returned when a webhook record does not exist.
var ErrNotFound = errors.New("webhook record not found")

// Definition is a configured webhook endpoint and the channels its task
// results are additionally announced on.
type Definition struct {
	ID             string
	Name           string
	NotifyChannels []string
	CreatedAt      time.Time
}

// Notification is the per-trigger record a webhook caller can poll for the
// delegated task's outcome.
type Notification struct {
	ID        string
	WebhookID string
	TaskID    string
	Status    string
	Result    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides SQLite-backed webhook persistence
type Store struct {
	db *sql.DB
}

// New creates a Store over the shared database and runs its migrations.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running webhook migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateDefinition registers a webhook with its notification channels.
func (s *Store) CreateDefinition(name string, notifyChannels []string) (*Definition, error) {
	def := &Definition{
		ID:             uuid.NewString(),
		Name:           name,
		NotifyChannels: notifyChannels,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO webhook_definitions (id, name, notify_channels, created_at)
		VALUES (?, ?, ?, ?)
	`, def.ID, def.Name, strings.Join(notifyChannels, ","), def.CreatedAt)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// GetDefinition retrieves a webhook definition by ID
func (s *Store) GetDefinition(id string) (*Definition, error) {
	var def Definition
	var channels sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, notify_channels, created_at FROM webhook_definitions WHERE id = ?
	`, id).Scan(&def.ID, &def.Name, &channels, &def.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if channels.String != "" {
		def.NotifyChannels = strings.Split(channels.String, ",")
	}
	return &def, nil
}

// CreateNotification inserts a pending notification record for a trigger.
func (s *Store) CreateNotification(webhookID, taskID string) (*Notification, error) {
	now := time.Now().UTC()
	n := &Notification{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		TaskID:    taskID,
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(`
		INSERT INTO webhook_notifications (id, webhook_id, task_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.WebhookID, n.TaskID, n.Status, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// NotificationForTask returns the notification record created for a task.
func (s *Store) NotificationForTask(taskID string) (*Notification, error) {
	var n Notification
	var result sql.NullString
	err := s.db.QueryRow(`
		SELECT id, webhook_id, task_id, status, result, created_at, updated_at
		FROM webhook_notifications WHERE task_id = ?
	`, taskID).Scan(&n.ID, &n.WebhookID, &n.TaskID, &n.Status, &result, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Result = result.String
	return &n, nil
}

// UpdateNotification records the task outcome on the notification record.
func (s *Store) UpdateNotification(id, status, result string) error {
	res, err := s.db.Exec(`
		UPDATE webhook_notifications SET status = ?, result = ?, updated_at = ?
		WHERE id = ?
	`, status, result, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
