// Package queue is the crash-safe store of pending webhook delivery tasks.
// One task is one file; writes go through a temp file and rename so a reader
// never observes a partially written task.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailhook/mailhook/internal/parser"
)

const (
	dirPerm  = 0700
	filePerm = 0600
)

// ErrTaskNotFound is returned by Get and Update for ids with no task file.
var ErrTaskNotFound = errors.New("task not found")

// Task is one durable unit of webhook work covering one parsed email.
type Task struct {
	ID             string              `json:"id"`
	CreatedAt      time.Time           `json:"createdAt"`
	Parsed         *parser.ParsedEmail `json:"parsed"`
	FailedWebhooks []string            `json:"failedWebhooks,omitempty"`
	Attempts       int                 `json:"attempts"`
	LastError      string              `json:"lastError,omitempty"`
	UpdatedAt      *time.Time          `json:"updatedAt,omitempty"`
}

// Queue stores tasks as {id}.json files under one directory.
type Queue struct {
	dir string
}

// New opens (creating if needed) the queue directory with mode 0700.
func New(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &Queue{dir: dir}, nil
}

// Create persists a new task for the parsed email and returns its id.
func (q *Queue) Create(parsed *parser.ParsedEmail) (string, error) {
	task := &Task{
		ID:        newTaskID(),
		CreatedAt: time.Now().UTC(),
		Parsed:    parsed,
	}
	if err := q.write(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Get loads a task by id.
func (q *Queue) Get(id string) (*Task, error) {
	data, err := os.ReadFile(q.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return &task, nil
}

// Update applies patch to the stored task and rewrites it atomically.
func (q *Queue) Update(id string, patch func(*Task)) error {
	task, err := q.Get(id)
	if err != nil {
		return err
	}

	patch(task)
	now := time.Now().UTC()
	task.UpdatedAt = &now

	return q.write(task)
}

// Remove deletes a task. Removing an already-removed task is not an error.
func (q *Queue) Remove(id string) error {
	err := os.Remove(q.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove task %s: %w", id, err)
	}
	return nil
}

// ListIDs returns all task ids sorted lexicographically. Given the
// millis-prefixed id format this approximates FIFO on creation time, which
// is what startup replay wants.
func (q *Queue) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	sort.Strings(ids)
	return ids, nil
}

// write encodes the task into a temp file in the same directory, fsyncs it,
// and renames it into place.
func (q *Queue) write(task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	tmp, err := os.CreateTemp(q.dir, task.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp task file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set task file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync task %s: %w", task.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close task %s: %w", task.ID, err)
	}

	if err := os.Rename(tmpName, q.path(task.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit task %s: %w", task.ID, err)
	}
	return nil
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}

// newTaskID builds a monotonically sortable id: creation millis plus random
// hex. Lexicographic order over these ids follows creation order.
func newTaskID() string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), random)
}
