package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"boardsync/internal/board"
	"boardsync/internal/domain"
)

var statusStyles = map[domain.Status]lipgloss.Style{
	domain.StatusBacklog:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	domain.StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
	domain.StatusReview:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	domain.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	domain.StatusBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
}

var (
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var columnTitles = map[domain.Status]string{
	domain.StatusBacklog:    "Backlog",
	domain.StatusInProgress: "In Progress",
	domain.StatusReview:     "Review",
	domain.StatusCompleted:  "Completed",
	domain.StatusBlocked:    "Blocked",
}

func styledStatus(s domain.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

func assigneeLabel(a domain.Assignee) string {
	if a.IsZero() {
		return dimStyle.Render("unassigned")
	}
	return a.DisplayName()
}

func printItems(items []domain.Item) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "ID", "Title", "Status", "Rank", "Assignee", "Completed By"})
	for _, it := range items {
		completedBy := ""
		if it.CompletedBy != nil {
			completedBy = *it.CompletedBy
		}
		tw.AppendRow(table.Row{it.Sequence, it.ID, it.Title, styledStatus(it.Status), it.Rank, assigneeLabel(it.Assignee), completedBy})
	}
	tw.Render()
	return nil
}

func printMembers(members []domain.Member) error {
	if viper.GetBool("json") {
		return printJSON(members)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Actor", "Name", "Email", "Role"})
	for _, m := range members {
		tw.AppendRow(table.Row{m.ActorID, m.Name, m.Email, m.Role})
	}
	tw.Render()
	return nil
}

// printBoard lays the session's columns side by side in board order.
func printBoard(s *board.Session) error {
	columns := make([][]domain.Item, len(domain.Statuses))
	depth := 0
	for i, st := range domain.Statuses {
		columns[i] = s.Column(st)
		if len(columns[i]) > depth {
			depth = len(columns[i])
		}
	}
	if viper.GetBool("json") {
		out := map[string][]domain.Item{}
		for i, st := range domain.Statuses {
			out[string(st)] = columns[i]
		}
		return printJSON(out)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	header := table.Row{}
	for i, st := range domain.Statuses {
		header = append(header, statusStyles[st].Render(fmt.Sprintf("%s (%d)", columnTitles[st], len(columns[i]))))
	}
	tw.AppendHeader(header)
	for row := 0; row < depth; row++ {
		cells := table.Row{}
		for i := range domain.Statuses {
			if row < len(columns[i]) {
				it := columns[i][row]
				cells = append(cells, fmt.Sprintf("#%d %s\n%s", it.Sequence, it.Title, assigneeLabel(it.Assignee)))
			} else {
				cells = append(cells, "")
			}
		}
		tw.AppendRow(cells)
	}
	tw.Render()
	return nil
}

func describeChange(s *board.Session, c board.Change) string {
	if c.Source == board.SourceFetch {
		return fmt.Sprintf("%s loaded %d items", dimStyle.Render(string(c.Source)), len(s.Items()))
	}
	if c.Kind == domain.EventDelete {
		return fmt.Sprintf("%s %s deleted", dimStyle.Render(string(c.Source)), c.ItemID)
	}
	it, ok := s.Item(c.ItemID)
	if !ok {
		return fmt.Sprintf("%s %s %s", dimStyle.Render(string(c.Source)), c.Kind, c.ItemID)
	}
	return fmt.Sprintf("%s #%d %s -> %s (%s)", dimStyle.Render(string(c.Source)), it.Sequence, it.Title, styledStatus(it.Status), assigneeLabel(it.Assignee))
}

// stderrNotifier surfaces failed moves to the terminal.
type stderrNotifier struct {
	w io.Writer
}

func (n stderrNotifier) Notify(notice board.Notice) {
	w := n.w
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, noticeStyle.Render(strings.TrimSpace(fmt.Sprintf("%s: %v", notice.Message, notice.Err))))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
