package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/MegaGrindStone/chat-stream/internal/models"
)

// printer writes the assistant message of the current turn to out as it grows. It implements
// chat.Observer and chat.Notifier.
type printer struct {
	out    io.Writer
	errOut io.Writer

	mu sync.Mutex
	// msgID is the assistant message being printed; printed parts are counted by done, and partial
	// holds how many bytes of the text part after them were written.
	msgID   string
	done    int
	partial int
}

func newPrinter(out, errOut io.Writer) *printer {
	return &printer{out: out, errOut: errOut}
}

// StatusChanged ends the printed answer once the turn is over.
func (p *printer) StatusChanged(status models.Status) {
	if status.InFlight() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgID != "" {
		fmt.Fprintln(p.out)
	}
	p.msgID = ""
	p.done = 0
	p.partial = 0
}

// MessagesChanged prints what the last assistant message gained since the previous call.
func (p *printer) MessagesChanged(messages []models.Message) {
	if len(messages) == 0 {
		return
	}
	msg := messages[len(messages)-1]
	if msg.Role != models.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ID != p.msgID {
		p.msgID = msg.ID
		p.done = 0
		p.partial = 0
	}

	for i := p.done; i < len(msg.Parts); i++ {
		part := msg.Parts[i]
		last := i == len(msg.Parts)-1

		switch part.Type {
		case models.PartTypeText:
			if p.partial < len(part.Text) {
				fmt.Fprint(p.out, part.Text[p.partial:])
			}
			if last {
				p.partial = len(part.Text)
				return
			}
		case models.PartTypeToolCall:
			fmt.Fprintf(p.out, "\n[calling %s %s]\n", part.ToolName, string(part.Input))
		case models.PartTypeToolResult:
			fmt.Fprintf(p.out, "[%s returned %s]\n", part.ToolName, string(part.Output))
		}
		p.done++
		p.partial = 0
	}
}

// Notify implements chat.Notifier.
func (p *printer) Notify(msg string) {
	fmt.Fprintf(p.errOut, "! %s\n", msg)
}
