package queue

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/mailhook/mailhook/internal/parser"
)

func testEmail(subject string) *parser.ParsedEmail {
	return &parser.ParsedEmail{
		Subject: subject,
		From: &parser.AddressList{
			Value: []parser.Address{{Address: "sender@example.com"}},
			Text:  "sender@example.com",
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	q, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	id, err := q.Create(testEmail("hello"))
	if err != nil {
		t.Fatal(err)
	}

	task, err := q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.ID != id {
		t.Errorf("task ID = %q, want %q", task.ID, id)
	}
	if task.Parsed.Subject != "hello" {
		t.Errorf("subject = %q, want hello", task.Parsed.Subject)
	}
	if task.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestGetUnknownID(t *testing.T) {
	q, _ := New(t.TempDir())
	if _, err := q.Get("0000000000000-missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdatePersistsPatch(t *testing.T) {
	q, _ := New(t.TempDir())
	id, _ := q.Create(testEmail("x"))

	err := q.Update(id, func(task *Task) {
		task.FailedWebhooks = []string{"https://a.example"}
		task.LastError = "webhook responded with status 500"
		task.Attempts = 3
	})
	if err != nil {
		t.Fatal(err)
	}

	task, _ := q.Get(id)
	if len(task.FailedWebhooks) != 1 || task.FailedWebhooks[0] != "https://a.example" {
		t.Errorf("failedWebhooks = %v", task.FailedWebhooks)
	}
	if task.Attempts != 3 || task.LastError == "" {
		t.Errorf("attempts/lastError not persisted: %+v", task)
	}
	if task.UpdatedAt == nil {
		t.Error("UpdatedAt should be set after Update")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	q, _ := New(t.TempDir())
	id, _ := q.Create(testEmail("x"))

	if err := q.Remove(id); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(id); err != nil {
		t.Fatalf("removing twice should not error, got %v", err)
	}
	if _, err := q.Get(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("removed task should be gone, got %v", err)
	}
}

func TestListIDsSortedFIFO(t *testing.T) {
	q, _ := New(t.TempDir())

	var created []string
	for i := 0; i < 5; i++ {
		id, err := q.Create(testEmail("x"))
		if err != nil {
			t.Fatal(err)
		}
		created = append(created, id)
		time.Sleep(2 * time.Millisecond)
	}

	ids, err := q.ListIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != len(created) {
		t.Fatalf("listed %d ids, created %d", len(ids), len(created))
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("ids not sorted: %v", ids)
	}
	for i := range created {
		if ids[i] != created[i] {
			t.Errorf("id order diverges from creation order at %d: %v vs %v", i, ids, created)
			break
		}
	}
}

func TestListIDsIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	q, _ := New(dir)
	id, _ := q.Create(testEmail("x"))

	os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0600)
	os.Mkdir(filepath.Join(dir, "subdir"), 0700)

	ids, err := q.ListIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("ListIDs = %v, want just %q", ids, id)
	}
}

// A task survives a reload byte-for-byte, which is what the replay path
// depends on after a crash.
func TestTaskBytesStableAcrossReads(t *testing.T) {
	dir := t.TempDir()
	q, _ := New(dir)

	email := testEmail("stable")
	email.AttachmentInfo = []parser.AttachmentInfo{{
		Filename:    "doc.pdf",
		ContentType: "application/pdf",
		Size:        1024,
		StorageType: "s3",
	}}
	id, _ := q.Create(email)

	first, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("task file changed between reads")
	}

	reopened, _ := New(dir)
	task, err := reopened.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Parsed.Subject != "stable" || len(task.Parsed.AttachmentInfo) != 1 {
		t.Errorf("reloaded task lost data: %+v", task.Parsed)
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	q, _ := New(dir)

	for i := 0; i < 10; i++ {
		if _, err := q.Create(testEmail("x")); err != nil {
			t.Fatal(err)
		}
	}

	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			t.Errorf("unexpected file in queue dir: %s", entry.Name())
		}
	}
}

func TestTaskFileMode(t *testing.T) {
	dir := t.TempDir()
	q, _ := New(dir)
	id, _ := q.Create(testEmail("x"))

	info, err := os.Stat(filepath.Join(dir, id+".json"))
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("task file mode = %o, want 0600", mode)
	}
}
