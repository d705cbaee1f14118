// Package tui provides interactive terminal UI components using BubbleTea.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/edgesync/edgesync/internal/conflict"
)

// ReviewAction represents the action to perform after conflict review.
type ReviewAction int

const (
	// ReviewActionNone means no action was taken (user quit).
	ReviewActionNone ReviewAction = iota
	// ReviewActionApply means the user chose resolutions and wants to apply.
	ReviewActionApply
	// ReviewActionCancel means the user cancelled.
	ReviewActionCancel
)

// Choice is the per-conflict decision a reviewer makes.
type Choice string

const (
	// ChoiceLocal keeps the local version of every diverged field.
	ChoiceLocal Choice = "local"
	// ChoiceRemote keeps the remote version of every diverged field.
	ChoiceRemote Choice = "remote"
	// ChoiceMerge combines both sides, newest write winning per field.
	ChoiceMerge Choice = "merge"
	// ChoiceSkip leaves the conflict open.
	ChoiceSkip Choice = "skip"
)

// Decision pairs a conflict with the reviewer's choice.
type Decision struct {
	ConflictID string
	Choice     Choice
}

// ReviewResult contains the outcome of the review interaction.
type ReviewResult struct {
	Action    ReviewAction
	Decisions []Decision
}

// reviewPhase represents the current phase of the review.
type reviewPhase int

const (
	phaseList reviewPhase = iota
	phaseDetail
)

// reviewKeyMap defines the key bindings for conflict review.
type reviewKeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Select  key.Binding
	Local   key.Binding
	Remote  key.Binding
	Merge   key.Binding
	Skip    key.Binding
	Confirm key.Binding
	Back    key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func defaultReviewKeyMap() reviewKeyMap {
	return reviewKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Select: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "view details"),
		),
		Local: key.NewBinding(
			key.WithKeys("l", "1"),
			key.WithHelp("l/1", "keep local"),
		),
		Remote: key.NewBinding(
			key.WithKeys("r", "2"),
			key.WithHelp("r/2", "keep remote"),
		),
		Merge: key.NewBinding(
			key.WithKeys("m", "3"),
			key.WithHelp("m/3", "merge"),
		),
		Skip: key.NewBinding(
			key.WithKeys("x", "4"),
			key.WithHelp("x/4", "skip"),
		),
		Confirm: key.NewBinding(
			key.WithKeys("y"),
			key.WithHelp("y", "apply decisions"),
		),
		Back: key.NewBinding(
			key.WithKeys("b", "esc"),
			key.WithHelp("b/esc", "back"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ReviewModel is the BubbleTea model for conflict review.
type ReviewModel struct {
	conflicts   []*conflict.Conflict
	decisions   map[string]Choice
	table       table.Model
	viewport    viewport.Model
	keys        reviewKeyMap
	result      ReviewResult
	phase       reviewPhase
	cursor      int
	showHelp    bool
	confirmMode bool
	width       int
	height      int
	quitting    bool
	ready       bool
}

// titleCaser renders severity/category headings.
var titleCaser = cases.Title(language.English)

// Styles for the conflict review TUI.
var reviewStyles = struct {
	Title        lipgloss.Style
	Help         lipgloss.Style
	Status       lipgloss.Style
	LocalLabel   lipgloss.Style
	RemoteLabel  lipgloss.Style
	Context      lipgloss.Style
	Info         lipgloss.Style
	Decided      lipgloss.Style
	Undecided    lipgloss.Style
	Critical     lipgloss.Style
	Confirm      lipgloss.Style
	SectionTitle lipgloss.Style
}{
	Title:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).Padding(0, 1),
	Help:         lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	Status:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1),
	LocalLabel:   lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true),
	RemoteLabel:  lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
	Context:      lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
	Info:         lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Italic(true),
	Decided:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	Undecided:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	Critical:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	Confirm:      lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true).Padding(0, 1),
	SectionTitle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).Padding(1, 0),
}

// NewReviewModel creates a new conflict review model.
func NewReviewModel(conflicts []*conflict.Conflict) ReviewModel {
	columns := []table.Column{
		{Title: "Status", Width: 8},
		{Title: "Entity", Width: 24},
		{Title: "Severity", Width: 10},
		{Title: "Fields", Width: 24},
		{Title: "Decision", Width: 10},
	}

	rows := make([]table.Row, len(conflicts))
	for i, c := range conflicts {
		rows[i] = buildReviewRow(c, "")
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return ReviewModel{
		conflicts: conflicts,
		decisions: make(map[string]Choice),
		table:     t,
		keys:      defaultReviewKeyMap(),
		phase:     phaseList,
	}
}

func buildReviewRow(c *conflict.Conflict, decision string) table.Row {
	status := "○"
	if decision != "" {
		status = "✓"
	}

	decStr := "-"
	if decision != "" {
		decStr = decision
	}

	return table.Row{
		status,
		fmt.Sprintf("%s/%s", c.EntityType, c.EntityID),
		string(c.Severity),
		strings.Join(c.Fields(), ", "),
		decStr,
	}
}

// Init implements tea.Model.
func (m ReviewModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m ReviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m.phase {
	case phaseList:
		return m.updateList(msg)
	case phaseDetail:
		return m.updateDetail(msg)
	}
	return m, nil
}

func (m ReviewModel) updateList(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		newHeight := max(msg.Height-10, 5)
		m.table.SetHeight(newHeight)

	case tea.KeyMsg:
		// Handle confirmation mode first
		if m.confirmMode {
			switch msg.String() {
			case "y", "Y":
				m.result = ReviewResult{
					Action:    ReviewActionApply,
					Decisions: m.buildDecisions(),
				}
				m.quitting = true
				return m, tea.Quit
			case "n", "N", "esc":
				m.confirmMode = false
				return m, nil
			}
			return m, nil
		}

		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			return m, nil

		case key.Matches(msg, m.keys.Select):
			if len(m.conflicts) > 0 {
				m.cursor = m.table.Cursor()
				m.phase = phaseDetail
				m.ready = false
				return m, nil
			}

		case key.Matches(msg, m.keys.Local):
			if len(m.conflicts) > 0 {
				m.decideCurrent(ChoiceLocal)
				return m, nil
			}

		case key.Matches(msg, m.keys.Remote):
			if len(m.conflicts) > 0 {
				m.decideCurrent(ChoiceRemote)
				return m, nil
			}

		case key.Matches(msg, m.keys.Merge):
			if len(m.conflicts) > 0 {
				m.decideCurrent(ChoiceMerge)
				return m, nil
			}

		case key.Matches(msg, m.keys.Skip):
			if len(m.conflicts) > 0 {
				m.decideCurrent(ChoiceSkip)
				return m, nil
			}

		case key.Matches(msg, m.keys.Confirm):
			if m.allDecided() {
				m.confirmMode = true
				return m, nil
			}

		case key.Matches(msg, m.keys.Back):
			m.result = ReviewResult{Action: ReviewActionCancel}
			m.quitting = true
			return m, tea.Quit
		}
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m ReviewModel) updateDetail(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 6
		footerHeight := 4
		viewportHeight := max(msg.Height-headerHeight-footerHeight, 5)

		if !m.ready {
			m.viewport = viewport.New(msg.Width-2, viewportHeight)
			m.viewport.SetContent(m.buildDetailContent())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 2
			m.viewport.Height = viewportHeight
		}

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			return m, nil

		case key.Matches(msg, m.keys.Back):
			m.phase = phaseList
			return m, nil

		case key.Matches(msg, m.keys.Local):
			m.decideAt(m.cursor, ChoiceLocal)
			m.viewport.SetContent(m.buildDetailContent())
			return m, nil

		case key.Matches(msg, m.keys.Remote):
			m.decideAt(m.cursor, ChoiceRemote)
			m.viewport.SetContent(m.buildDetailContent())
			return m, nil

		case key.Matches(msg, m.keys.Merge):
			m.decideAt(m.cursor, ChoiceMerge)
			m.viewport.SetContent(m.buildDetailContent())
			return m, nil

		case key.Matches(msg, m.keys.Skip):
			m.decideAt(m.cursor, ChoiceSkip)
			m.viewport.SetContent(m.buildDetailContent())
			return m, nil
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *ReviewModel) decideCurrent(choice Choice) {
	m.decideAt(m.table.Cursor(), choice)
}

func (m *ReviewModel) decideAt(idx int, choice Choice) {
	if idx < 0 || idx >= len(m.conflicts) {
		return
	}

	c := m.conflicts[idx]
	m.decisions[c.ID] = choice
	m.updateTableRow(idx)
}

func (m *ReviewModel) updateTableRow(idx int) {
	if idx < 0 || idx >= len(m.conflicts) {
		return
	}

	c := m.conflicts[idx]
	decision := ""
	if choice, ok := m.decisions[c.ID]; ok {
		decision = string(choice)
	}

	rows := m.table.Rows()
	if idx < len(rows) {
		rows[idx] = buildReviewRow(c, decision)
		m.table.SetRows(rows)
	}
}

func (m ReviewModel) allDecided() bool {
	for _, c := range m.conflicts {
		if _, ok := m.decisions[c.ID]; !ok {
			return false
		}
	}
	return len(m.conflicts) > 0
}

func (m ReviewModel) buildDecisions() []Decision {
	var result []Decision
	for _, c := range m.conflicts {
		if choice, ok := m.decisions[c.ID]; ok && choice != ChoiceSkip {
			result = append(result, Decision{ConflictID: c.ID, Choice: choice})
		}
	}
	return result
}

func (m ReviewModel) buildDetailContent() string {
	if m.cursor < 0 || m.cursor >= len(m.conflicts) {
		return "No conflict selected"
	}

	c := m.conflicts[m.cursor]
	var b strings.Builder

	b.WriteString(reviewStyles.SectionTitle.Render("Conflict Details"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Entity:   %s/%s\n", c.EntityType, c.EntityID))

	severity := titleCaser.String(string(c.Severity))
	if c.Severity == conflict.SeverityCritical {
		severity = reviewStyles.Critical.Render(severity)
	}
	b.WriteString(fmt.Sprintf("  Severity: %s\n", severity))
	b.WriteString(fmt.Sprintf("  Category: %s\n", titleCaser.String(string(c.Category))))
	b.WriteString(fmt.Sprintf("  Detected: %s\n", c.DetectedAt.Format(time.RFC3339)))
	if c.Escalated {
		b.WriteString(reviewStyles.Critical.Render("  Escalated for manual review"))
		b.WriteString("\n")
	}

	if choice, ok := m.decisions[c.ID]; ok {
		b.WriteString("\n")
		b.WriteString(reviewStyles.Decided.Render(fmt.Sprintf("  Decision: %s", choice)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(reviewStyles.SectionTitle.Render("Diverged Fields"))
	b.WriteString("\n")

	for i, d := range c.FieldDiffs {
		b.WriteString(reviewStyles.Context.Render(fmt.Sprintf("  %s", d.Field)))
		b.WriteString("\n")
		b.WriteString("    ")
		b.WriteString(reviewStyles.LocalLabel.Render("local:  "))
		b.WriteString(fmt.Sprintf("%s (%s)\n", string(d.Local), d.LocalUpdatedAt.Format(time.RFC3339)))
		b.WriteString("    ")
		b.WriteString(reviewStyles.RemoteLabel.Render("remote: "))
		b.WriteString(fmt.Sprintf("%s (%s)\n", string(d.Remote), d.RemoteUpdatedAt.Format(time.RFC3339)))

		if i < len(c.FieldDiffs)-1 {
			b.WriteString("\n")
		}
	}

	b.WriteString("\n\n")
	b.WriteString(reviewStyles.Info.Render("Press: l=keep local, r=keep remote, m=merge, x=skip"))

	return b.String()
}

// View implements tea.Model.
func (m ReviewModel) View() string {
	if m.quitting {
		return ""
	}

	switch m.phase {
	case phaseDetail:
		return m.viewDetail()
	default:
		return m.viewList()
	}
}

func (m ReviewModel) viewList() string {
	var b strings.Builder

	title := reviewStyles.Title.Render("⚠  Review Conflicts")
	b.WriteString(title)
	b.WriteString("\n\n")

	info := reviewStyles.Info.Render("Choose a resolution for each conflict before applying")
	b.WriteString(info)
	b.WriteString("\n\n")

	if m.confirmMode {
		b.WriteString(m.table.View())
		b.WriteString("\n\n")
		confirmMsg := fmt.Sprintf("Apply %d decision(s)? (y/n)", len(m.decisions))
		b.WriteString(reviewStyles.Confirm.Render(confirmMsg))
		return b.String()
	}

	b.WriteString(m.table.View())
	b.WriteString("\n")

	decided := len(m.decisions)
	total := len(m.conflicts)
	status := fmt.Sprintf("%d/%d decided", decided, total)
	if decided == total && total > 0 {
		status += " • Press y to apply"
	}
	b.WriteString(reviewStyles.Status.Render(status))
	b.WriteString("\n")

	if m.showHelp {
		b.WriteString("\n")
		b.WriteString(m.renderFullHelp())
	} else {
		b.WriteString(m.renderShortHelp())
	}

	return b.String()
}

func (m ReviewModel) viewDetail() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder

	entity := ""
	if m.cursor >= 0 && m.cursor < len(m.conflicts) {
		c := m.conflicts[m.cursor]
		entity = fmt.Sprintf("%s/%s", c.EntityType, c.EntityID)
	}
	title := reviewStyles.Title.Render(fmt.Sprintf("Conflict: %s", entity))
	b.WriteString(title)
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	scrollPercent := int(m.viewport.ScrollPercent() * 100)
	b.WriteString(reviewStyles.Status.Render(fmt.Sprintf("Scroll: %d%%", scrollPercent)))
	b.WriteString("\n")

	if m.showHelp {
		b.WriteString("\n")
		b.WriteString(m.renderDetailHelp())
	} else {
		b.WriteString(m.renderDetailShortHelp())
	}

	return b.String()
}

func (m ReviewModel) renderShortHelp() string {
	keys := []string{
		"↑/↓ navigate",
		"enter details",
		"l local",
		"r remote",
		"m merge",
		"x skip",
		"? help",
		"q quit",
	}
	return reviewStyles.Help.Render(strings.Join(keys, " • "))
}

func (m ReviewModel) renderFullHelp() string {
	help := `Navigation:
  ↑/k      Move up
  ↓/j      Move down
  Enter    View conflict details

Decision:
  l/1      Keep the local version
  r/2      Keep the remote version
  m/3      Merge both versions
  x/4      Skip this conflict

Actions:
  y        Apply all decisions
  b/Esc    Cancel and go back

General:
  ?        Toggle full help
  q        Quit`
	return reviewStyles.Help.Render(help)
}

func (m ReviewModel) renderDetailShortHelp() string {
	keys := []string{
		"↑/↓ scroll",
		"l local",
		"r remote",
		"m merge",
		"x skip",
		"b back",
		"? help",
	}
	return reviewStyles.Help.Render(strings.Join(keys, " • "))
}

func (m ReviewModel) renderDetailHelp() string {
	help := `Navigation:
  ↑/k      Scroll up
  ↓/j      Scroll down

Decision:
  l/1      Keep the local version
  r/2      Keep the remote version
  m/3      Merge both versions
  x/4      Skip this conflict

Actions:
  b/Esc    Go back to list

General:
  ?        Toggle full help
  q        Quit`
	return reviewStyles.Help.Render(help)
}

// Result returns the result of the user interaction.
func (m ReviewModel) Result() ReviewResult {
	return m.result
}

// RunReview runs the interactive conflict review and returns the result.
func RunReview(conflicts []*conflict.Conflict) (ReviewResult, error) {
	if len(conflicts) == 0 {
		return ReviewResult{}, nil
	}

	mdl := NewReviewModel(conflicts)
	finalModel, err := tea.NewProgram(mdl, tea.WithAltScreen()).Run()
	if err != nil {
		return ReviewResult{}, err
	}

	if m, ok := finalModel.(ReviewModel); ok {
		return m.Result(), nil
	}

	return ReviewResult{}, nil
}
