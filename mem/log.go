package mem

import (
	"io"
	"log/slog"
)

// Log is the logger shared by every memkit package. It discards everything
// by default; call SetLogger to direct warnings and errors somewhere useful.
var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLogger replaces the shared logger. Passing nil restores the discarding
// default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	Log = l
}
