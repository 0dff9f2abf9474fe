package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"

	"screen-inspector/src/analysis"
)

// Format selects how an Outcome is written.
type Format int

const (
	FormatText Format = iota
	FormatMarkdown
	FormatJSON
)

// Render writes out in format. FormatText is the markdown source without
// terminal styling.
func Render(out Outcome, format Format) (string, error) {
	switch format {
	case FormatJSON:
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode outcome: %w", err)
		}
		return string(b) + "\n", nil
	case FormatMarkdown:
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle())
		if err != nil {
			return "", fmt.Errorf("markdown renderer: %w", err)
		}
		return r.Render(analysis.Format(out.Result))
	default:
		text := analysis.Format(out.Result)
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		return text, nil
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
