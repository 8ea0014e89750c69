package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	infoTag    = color.New(color.FgCyan, color.Bold)
	warningTag = color.New(color.FgYellow, color.Bold)
	errorTag   = color.New(color.FgRed, color.Bold)
)

// Console prints messages with a colored severity tag.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole writes to w, or stderr when w is nil.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stderr
	}
	return &Console{w: w}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(_ context.Context, msg Message) error {
	tag := infoTag
	switch msg.Severity {
	case SeverityWarning:
		tag = warningTag
	case SeverityError:
		tag = errorTag
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "%s %s\n", tag.Sprintf("[%s]", strings.ToUpper(string(msg.Severity))), msg.Subject)
	if err != nil {
		return err
	}
	if msg.Body != "" {
		_, err = fmt.Fprintf(c.w, "  %s\n", strings.ReplaceAll(msg.Body, "\n", "\n  "))
	}
	return err
}
