package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// exerciseStorage runs the behavior every backend must share.
func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "sb_user_store"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing err=%v want=%v", err, ErrNotFound)
	}

	if err := s.Set(ctx, "sb_user_store", []byte(`{"coinBalance":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "sb_user_store")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"coinBalance":1}` {
		t.Fatalf("value=%q want=%q", got, `{"coinBalance":1}`)
	}

	if err := s.Set(ctx, "sb_user_store", []byte(`{"coinBalance":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "sb_user_store")
	if string(got) != `{"coinBalance":2}` {
		t.Fatalf("value after overwrite=%q", got)
	}

	if err := s.Remove(ctx, "sb_user_store"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Get(ctx, "sb_user_store"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after remove err=%v want=%v", err, ErrNotFound)
	}
	if err := s.Remove(ctx, "sb_user_store"); err != nil {
		t.Fatalf("remove missing should be a no-op: %v", err)
	}

	for _, bad := range []string{"", "../etc/passwd", "a/b", "has space"} {
		if err := s.Set(ctx, bad, []byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("set(%q) err=%v want=%v", bad, err, ErrInvalidKey)
		}
	}
}

func TestMemoryStorage(t *testing.T) {
	t.Parallel()
	exerciseStorage(t, NewMemoryStorage())
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	ctx := context.Background()
	in := []byte("abc")
	if err := s.Set(ctx, "k", in); err != nil {
		t.Fatalf("set: %v", err)
	}
	in[0] = 'z'

	got, _ := s.Get(ctx, "k")
	got[1] = 'z'

	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("stored value mutated through alias: %q", again)
	}
}

func TestMemoryStorage_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewMemoryStorage().Set(ctx, "k", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want=%v", err, context.Canceled)
	}
}

func TestFileStorage(t *testing.T) {
	t.Parallel()

	s, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new file storage: %v", err)
	}
	exerciseStorage(t, s)
}

func TestFileStorage_LeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("new file storage: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.Set(context.Background(), "sb_user_store", []byte("{}")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "sb_user_store.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("entries=%v want=[sb_user_store.json]", names)
	}
}

func TestFileStorage_SharedDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "state")
	a, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("new b: %v", err)
	}

	if err := a.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := b.Get(context.Background(), "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}
