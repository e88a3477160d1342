package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gookit/color"

	"github.com/omochice/chatroom-client/internal/client"
	"github.com/omochice/chatroom-client/pkg/protocol"
)

// renderer prints what changed between consecutive snapshots.
type renderer struct {
	w      io.Writer
	json   bool
	colors bool

	mu      sync.Mutex
	printed int
	state   client.State
	count   int
	started bool
}

func newRenderer(w io.Writer, format string, colors bool) *renderer {
	return &renderer{
		w:      w,
		json:   format == "json",
		colors: colors,
	}
}

type statusLine struct {
	Kind        string `json:"kind"`
	State       string `json:"state"`
	Identity    string `json:"identity"`
	OnlineCount int    `json:"online_count"`
	Reconnect   bool   `json:"reconnect_pending"`
	Error       string `json:"error,omitempty"`
}

type entryLine struct {
	Kind string `json:"kind"`
	protocol.Entry
}

// Render is a client.Manager subscriber.
func (r *renderer) Render(s client.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The log only grows, except across a restart of the session.
	if r.printed > len(s.Log) {
		r.printed = 0
	}
	for _, e := range s.Log[r.printed:] {
		r.entry(e)
	}
	r.printed = len(s.Log)

	if !r.started || s.State != r.state || s.OnlineCount != r.count {
		r.status(s)
		r.started = true
		r.state = s.State
		r.count = s.OnlineCount
	}
}

func (r *renderer) entry(e protocol.Entry) {
	if r.json {
		r.writeJSON(entryLine{Kind: "entry", Entry: e})
		return
	}

	text := e.Text
	if e.Category == protocol.CategoryNotification {
		text = r.paint(color.New(color.FgYellow, color.OpItalic), "*** "+text+" ***")
	}
	fmt.Fprintf(r.w, "%s %s\n", r.paint(color.New(color.FgGray), e.ReceivedAt.Format(time.TimeOnly)), text)
}

func (r *renderer) status(s client.Snapshot) {
	if r.json {
		line := statusLine{
			Kind:        "status",
			State:       s.State.String(),
			Identity:    s.Identity,
			OnlineCount: s.OnlineCount,
			Reconnect:   s.ReconnectPending,
		}
		if s.LastError != nil {
			line.Error = s.LastError.Error()
		}
		r.writeJSON(line)
		return
	}

	var style color.Style
	switch s.State {
	case client.StateConnected:
		style = color.New(color.FgGreen)
	case client.StateConnecting:
		style = color.New(color.FgCyan)
	default:
		style = color.New(color.FgRed)
	}

	line := fmt.Sprintf("[%s] users online: %d", s.State, s.OnlineCount)
	if s.ReconnectPending {
		line += " (reconnect pending)"
	}
	fmt.Fprintln(r.w, r.paint(style, line))
}

func (r *renderer) paint(style color.Style, s string) string {
	if !r.colors {
		return s
	}
	return style.Render(s)
}

func (r *renderer) writeJSON(v any) {
	if err := json.NewEncoder(r.w).Encode(v); err != nil {
		fmt.Fprintf(r.w, "encode output: %v\n", err)
	}
}
