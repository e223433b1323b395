package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Command is one submission recorded while offline, replayed later in
// order. The idempotency key makes the replay safe against a submission
// that actually reached the server before the connection dropped.
type Command struct {
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Body           map[string]any `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	QueuedAt       time.Time      `json:"queued_at"`
}

// Queue is the on-disk replay queue, a JSON file of pending Commands.
// Every method re-reads the file so that concurrent cakectl invocations
// at worst duplicate a command, which the idempotency key absorbs.
type Queue struct {
	path string
}

// OpenQueue returns the queue at its default location under ~/.cakectl,
// creating the directory if needed.
func OpenQueue() (*Queue, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(home, ".cakectl")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return NewQueue(filepath.Join(dir, "queue.json")), nil
}

// NewQueue returns a queue backed by an explicit file path.
func NewQueue(path string) *Queue {
	return &Queue{path: path}
}

// Commands returns all pending commands, oldest first. A missing or
// empty file is an empty queue.
func (q *Queue) Commands() ([]Command, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", q.path, err)
	}
	return out, nil
}

// Append records one more command at the tail, stamping it with the
// current time.
func (q *Queue) Append(cmd Command) error {
	pending, err := q.Commands()
	if err != nil {
		return err
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	return q.Rewrite(append(pending, cmd))
}

// Rewrite replaces the whole queue, typically with whatever a sync pass
// could not deliver.
func (q *Queue) Rewrite(pending []Command) error {
	if len(pending) == 0 {
		pending = []Command{}
	}
	raw, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(q.path, raw, 0o600)
}
