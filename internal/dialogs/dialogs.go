// Package dialogs serializes native GUI dialog calls onto one dedicated
// goroutine. GUI toolkits on several platforms require all dialog calls to
// come from a single thread, and every call blocks until the user answers.
package dialogs

import (
	"context"

	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("dialogs")

// Level selects the icon/severity of a message dialog.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// FileKind selects between a file-open and a file-save picker.
type FileKind int

const (
	FileOpen FileKind = iota
	FileSave
)

// Backend performs the actual native calls. Implementations may block.
type Backend interface {
	Message(level Level, title, description string) error
	// PickFile returns the chosen path, or ok=false if the user canceled.
	PickFile(kind FileKind) (path string, ok bool, err error)
}

type request interface{ isRequest() }

type messageRequest struct {
	level       Level
	title       string
	description string
}

type fileRequest struct {
	kind  FileKind
	reply chan fileReply
}

type fileReply struct {
	path string
	ok   bool
}

func (messageRequest) isRequest() {}
func (fileRequest) isRequest()    {}

// Actor owns the dialog goroutine. Create with New, then call Run on a
// dedicated goroutine.
type Actor struct {
	backend  Backend
	requests chan request
	done     chan struct{}
}

func New(backend Backend) *Actor {
	return &Actor{
		backend:  backend,
		requests: make(chan request, 8),
		done:     make(chan struct{}),
	}
}

// Run consumes dialog requests until Stop. Call exactly once, on its own
// goroutine; native calls block here.
func (a *Actor) Run() {
	defer close(a.done)
	for req := range a.requests {
		switch r := req.(type) {
		case messageRequest:
			if err := a.backend.Message(r.level, r.title, r.description); err != nil {
				log.Warn("message dialog failed", "title", r.title, "error", err)
			}
		case fileRequest:
			path, ok, err := a.backend.PickFile(r.kind)
			if err != nil {
				log.Warn("file dialog failed", "error", err)
				ok = false
			}
			r.reply <- fileReply{path: path, ok: ok}
		}
	}
}

// Stop ends Run after the queue drains.
func (a *Actor) Stop() {
	close(a.requests)
	<-a.done
}

// ShowMessage displays a message dialog without waiting for dismissal.
func (a *Actor) ShowMessage(level Level, title, description string) {
	select {
	case a.requests <- messageRequest{level: level, title: title, description: description}:
	case <-a.done:
	}
}

// PickFile asks the user for a file path. ok is false if the dialog was
// canceled, the actor stopped, or ctx expired.
func (a *Actor) PickFile(ctx context.Context, kind FileKind) (string, bool) {
	reply := make(chan fileReply, 1)
	select {
	case a.requests <- fileRequest{kind: kind, reply: reply}:
	case <-a.done:
		return "", false
	case <-ctx.Done():
		return "", false
	}

	select {
	case r := <-reply:
		return r.path, r.ok
	case <-ctx.Done():
		return "", false
	}
}
