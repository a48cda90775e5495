package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatlens/pkg/events"
	"github.com/go-go-golems/chatlens/pkg/messages"
	"github.com/go-go-golems/chatlens/pkg/querycontext"
	"github.com/go-go-golems/chatlens/pkg/session"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	sectionStyle   = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(lipgloss.Color("#7D56F4"))
	roleHumanStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	roleAIStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3C7EFF"))
	roleToolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	keyStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87"))
)

// Options control how a projection is printed.
type Options struct {
	// Styled enables colors and markdown rendering.
	Styled bool
	// MarkdownStyle is a glamour standard style name ("dark", "light", "notty").
	MarkdownStyle string
	// HideMessages and HideContext select which half of the view is printed.
	HideMessages bool
	HideContext  bool
}

// StyledOutput reports whether f is a terminal worth styling for.
func StyledOutput(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Render writes a human readable view of p. Synthesized messages are never
// shown.
func Render(w io.Writer, p session.Projection, opts Options) error {
	r := renderer{opts: opts}
	var sb strings.Builder

	title := fmt.Sprintf("conversation %s", p.ConversationID)
	if p.ConversationID == "" {
		title = "no active conversation"
	}
	sb.WriteString(r.style(headerStyle, title))
	if p.Auth != "" && p.Auth != session.AuthNone {
		fmt.Fprintf(&sb, "  [%s]", r.authLabel(p.Auth))
	}
	sb.WriteString("\n")

	if !opts.HideMessages {
		if err := r.messages(&sb, messages.Renderable(p.Messages)); err != nil {
			return err
		}
	}
	if !opts.HideContext {
		if err := r.context(&sb, p.QueryContext); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, sb.String())
	return errors.Wrap(err, "write view")
}

type renderer struct {
	opts Options
}

func (r renderer) style(s lipgloss.Style, text string) string {
	if !r.opts.Styled {
		return text
	}
	return s.Render(text)
}

func (r renderer) authLabel(a session.AuthState) string {
	if a == session.AuthFailed {
		return r.style(errorStyle, "not authenticated")
	}
	return string(a)
}

func (r renderer) markdown(text string) (string, error) {
	if !r.opts.Styled || strings.TrimSpace(text) == "" {
		return text, nil
	}
	style := r.opts.MarkdownStyle
	if style == "" {
		style = "dark"
	}
	out, err := glamour.Render(text, style)
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return strings.TrimRight(out, "\n"), nil
}

func (r renderer) messages(sb *strings.Builder, list []messages.Message) error {
	sb.WriteString("\n" + r.style(sectionStyle, "Messages") + "\n")
	if len(list) == 0 {
		sb.WriteString("  (none)\n")
		return nil
	}
	for _, m := range list {
		switch m.Type {
		case messages.TypeHuman:
			fmt.Fprintf(sb, "%s %s\n", r.style(roleHumanStyle, "you:"), m.Content)
		case messages.TypeAssistant:
			content, err := r.markdown(m.Content)
			if err != nil {
				return err
			}
			fmt.Fprintf(sb, "%s %s\n", r.style(roleAIStyle, "assistant:"), content)
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(sb, "  -> %s%s\n", tc.Name, formatArgs(tc.Args))
			}
		case messages.TypeToolResult:
			label := "tool"
			if m.Name != "" {
				label += " " + m.Name
			}
			if m.Status != "" {
				label += " [" + m.Status + "]"
			}
			fmt.Fprintf(sb, "%s %s\n", r.style(roleToolStyle, label+":"), m.Content)
		default:
			fmt.Fprintf(sb, "%s %s\n", string(m.Type)+":", m.Content)
		}
	}
	return nil
}

func (r renderer) context(sb *strings.Builder, qc *querycontext.QueryContext) error {
	sb.WriteString("\n" + r.style(sectionStyle, "Query context") + "\n")
	if qc.IsEmpty() {
		sb.WriteString("  (empty)\n")
		return nil
	}
	kv := func(k, v string) {
		fmt.Fprintf(sb, "  %s %s\n", r.style(keyStyle, k+":"), v)
	}

	if ch := qc.CacheHit; ch != nil {
		kv("cache", fmt.Sprintf("%s (similarity %.2f)", ch.CacheType, ch.Similarity))
	}
	if ia := qc.IntentAnalysis; ia != nil {
		kv("dataset", ia.Dataset)
		if ia.Intent != "" {
			kv("intent", ia.Intent)
		}
		if len(ia.Entities) > 0 {
			kv("entities", strings.Join(ia.Entities, ", "))
		}
	}
	if len(qc.SQLSteps) > 0 {
		kv("steps", "")
		for _, s := range qc.SQLSteps {
			fmt.Fprintf(sb, "    %s %s %s %dms\n", stepMarker(s.Status), s.Step, s.Status, s.TimeMs)
		}
	}
	if dq := qc.DataQuery; dq != nil {
		summary := fmt.Sprintf("%d rows", dq.RowCount)
		if len(dq.Columns) > 0 {
			summary += " [" + strings.Join(dq.Columns, ", ") + "]"
		}
		if dq.Title != "" {
			summary = dq.Title + ": " + summary
		}
		kv("data", summary)
	}
	if sq := qc.SimilarQuestions; sq != nil && len(sq.Questions) > 0 {
		kv("similar", "")
		for _, q := range sq.Questions {
			fmt.Fprintf(sb, "    - %s\n", q)
		}
	}
	if ns := qc.NodeStatus; ns != nil {
		kv("node", strings.TrimSpace(ns.Node+" "+ns.Status))
	}
	if in := qc.Insight; in != nil {
		content, err := r.markdown(in.Content)
		if err != nil {
			return err
		}
		kv("insight", content)
		for _, f := range in.Findings {
			fmt.Fprintf(sb, "    * %s\n", f)
		}
	}
	return nil
}

func stepMarker(s events.StepStatus) string {
	switch s {
	case events.StepCompleted:
		return "[x]"
	case events.StepError:
		return "[!]"
	case events.StepRunning:
		return "[~]"
	case events.StepSkipped:
		return "[-]"
	}
	return "[ ]"
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "()"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
