package inspect

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.design/x/clipboard"

	"screen-inspector/src/singleinstance"
)

// StdoutTarget writes the outcome to Writer, as JSON when JSON is set, as
// styled markdown on a terminal and as plain text otherwise.
type StdoutTarget struct {
	Writer io.Writer
	JSON   bool
}

func (t StdoutTarget) OnSuccess(out Outcome) error {
	w := t.Writer
	if w == nil {
		w = os.Stdout
	}
	format := FormatText
	switch {
	case t.JSON:
		format = FormatJSON
	case IsTerminal(w):
		format = FormatMarkdown
	}
	text, err := Render(out, format)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, text)
	return err
}

func (t StdoutTarget) OnFailure(err error) error {
	return nil
}

var (
	clipboardOnce    sync.Once
	clipboardInitErr error
	clipboardMu      sync.Mutex
)

// WriteClipboard performs a mutex-guarded clipboard write to prevent
// corruption under parallel writes.
func WriteClipboard(text string) error {
	clipboardOnce.Do(func() { clipboardInitErr = clipboard.Init() })
	if clipboardInitErr != nil {
		return fmt.Errorf("clipboard unavailable: %w", clipboardInitErr)
	}
	clipboardMu.Lock()
	defer clipboardMu.Unlock()
	clipboard.Write(clipboard.FmtText, []byte(text))
	return nil
}

// ClipboardTarget copies the plain-text rendering to the clipboard. Write
// defaults to WriteClipboard.
type ClipboardTarget struct {
	Write func(text string) error
}

func (t ClipboardTarget) OnSuccess(out Outcome) error {
	text, err := Render(out, FormatText)
	if err != nil {
		return err
	}
	write := t.Write
	if write == nil {
		write = WriteClipboard
	}
	return write(text)
}

func (ClipboardTarget) OnFailure(err error) error {
	return nil
}

// DelegatedTarget answers a client that handed its capture to this resident.
type DelegatedTarget struct {
	Conn   singleinstance.Conn
	Format singleinstance.Format
}

func (t DelegatedTarget) OnSuccess(out Outcome) error {
	if t.Conn == nil {
		return errors.New("delegated target missing connection")
	}
	format := FormatText
	if t.Format == singleinstance.FormatJSON {
		format = FormatJSON
	}
	body, err := Render(out, format)
	if err != nil {
		return err
	}
	return t.Conn.RespondSuccess(body)
}

func (t DelegatedTarget) OnFailure(err error) error {
	if t.Conn == nil {
		return nil
	}
	if err == nil {
		return t.Conn.RespondError("unknown inspection error")
	}
	return t.Conn.RespondError(err.Error())
}
