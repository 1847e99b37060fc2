package dialogs

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu       sync.Mutex
	messages []string
	nextPath string
	nextOK   bool
	calls    int
}

func (f *fakeBackend) Message(_ Level, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, title)
	return nil
}

func (f *fakeBackend) PickFile(FileKind) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.nextPath, f.nextOK, nil
}

func TestActor_PickFile(t *testing.T) {
	backend := &fakeBackend{nextPath: "/tmp/chosen.bin", nextOK: true}
	actor := New(backend)
	go actor.Run()
	defer actor.Stop()

	path, ok := actor.PickFile(context.Background(), FileSave)
	if !ok || path != "/tmp/chosen.bin" {
		t.Fatalf("PickFile = %q, %v", path, ok)
	}
}

func TestActor_PickFileCanceled(t *testing.T) {
	backend := &fakeBackend{nextOK: false}
	actor := New(backend)
	go actor.Run()
	defer actor.Stop()

	if _, ok := actor.PickFile(context.Background(), FileOpen); ok {
		t.Fatal("canceled pick should report ok=false")
	}
}

func TestActor_MessagesSerialized(t *testing.T) {
	backend := &fakeBackend{}
	actor := New(backend)
	go actor.Run()

	for i := 0; i < 5; i++ {
		actor.ShowMessage(LevelInfo, "t", "d")
	}
	actor.Stop()

	backend.mu.Lock()
	n := len(backend.messages)
	backend.mu.Unlock()
	if n != 5 {
		t.Fatalf("expected 5 messages, got %d", n)
	}
}

func TestActor_PickFileContextExpiry(t *testing.T) {
	backend := &fakeBackend{nextOK: true}
	actor := New(backend)
	// Run never started: the request queue fills, then ctx expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < cap(actor.requests); i++ {
		actor.requests <- messageRequest{}
	}
	if _, ok := actor.PickFile(ctx, FileOpen); ok {
		t.Fatal("expected ok=false on context expiry")
	}
}
