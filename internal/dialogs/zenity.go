package dialogs

import (
	"errors"

	"github.com/ncruces/zenity"
)

// ZenityBackend renders dialogs with the platform's native toolkit.
type ZenityBackend struct{}

func NewZenityBackend() *ZenityBackend { return &ZenityBackend{} }

func (z *ZenityBackend) Message(level Level, title, description string) error {
	opts := []zenity.Option{zenity.Title(title)}
	switch level {
	case LevelError:
		return zenity.Error(description, opts...)
	case LevelWarning:
		return zenity.Warning(description, opts...)
	default:
		return zenity.Info(description, opts...)
	}
}

func (z *ZenityBackend) PickFile(kind FileKind) (string, bool, error) {
	var (
		path string
		err  error
	)
	switch kind {
	case FileSave:
		path, err = zenity.SelectFileSave(zenity.Title("Save incoming file"), zenity.ConfirmOverwrite())
	default:
		path, err = zenity.SelectFile(zenity.Title("Choose file to send"))
	}
	if errors.Is(err, zenity.ErrCanceled) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}
