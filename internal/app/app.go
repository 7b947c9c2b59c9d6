package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/urnalog/internal/db"
	"github.com/brensch/urnalog/internal/orchestrator"
)

// --- Styles ---
var (
	titleStyle              = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle              = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle               = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle        = lipgloss.NewStyle().Padding(0, 1)
	itemProgressHeaderStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	itemStatusStyle         = map[string]lipgloss.Style{
		db.EventPending:      lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
		db.EventDownloading:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		db.EventUnpacking:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		db.EventExtracting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		db.EventCheckpointed: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		db.EventSkipped:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		db.EventFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// HarvestFunc runs the harvest. It must return promptly once ctx is done.
type HarvestFunc func(ctx context.Context) (orchestrator.Summary, error)

// ItemProgress is the displayed state of one work item.
type ItemProgress struct {
	Key          string
	Status       string
	Members      int
	MemberErrors int
	ErrMsg       string
	Start        time.Time
	Elapsed      time.Duration
}

type AppModel struct {
	State            AppState
	spinner          spinner.Model
	overallProgress  progress.Model
	progressBarWidth int

	items     map[string]*ItemProgress
	itemOrder []string
	total     int
	finished  int

	run       HarvestFunc
	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	done      chan struct{}
	startTime time.Time

	Summary  orchestrator.Summary
	FatalErr error
	Quitting bool

	termWidth  int
	termHeight int
}

// NewAppModel builds the UI for a harvest of total work items. The harvest is
// started by Init and cancelled when the user quits.
func NewAppModel(parent context.Context, total int, run HarvestFunc) *AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	ctx, cancel := context.WithCancel(parent)

	return &AppModel{
		State:           Harvesting,
		spinner:         s,
		overallProgress: progress.New(progress.WithDefaultGradient()),
		items:           make(map[string]*ItemProgress),
		total:           total,
		run:             run,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		termWidth:       80,
		termHeight:      24,
	}
}

// --- Bubbletea Interface ---

func (m *AppModel) Init() tea.Cmd {
	m.startTime = time.Now()
	return tea.Batch(m.spinner.Tick, m.startHarvest())
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.State {
		case Harvesting:
			if msg.String() == "ctrl+c" || msg.String() == "q" {
				m.Quitting = true
				m.State = Exiting
				m.cancel()
				return m, tea.Quit
			}
		case ShowSummary, ShowError:
			if msg.Type == tea.KeyEnter || msg.Type == tea.KeyEsc || msg.String() == "q" || msg.String() == "ctrl+c" {
				m.State = Exiting
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.progressBarWidth = max(0, m.termWidth-4)
		m.overallProgress.Width = m.progressBarWidth
	case ItemProgressMsg:
		cmds = append(cmds, m.applyItemProgress(msg))
	case HarvestFinishedMsg:
		m.cancel()
		m.Summary = msg.Summary
		if msg.Err != nil {
			m.FatalErr = msg.Err
			m.State = ShowError
		} else {
			m.State = ShowSummary
		}
		cmds = append(cmds, m.overallProgress.SetPercent(1))
	case spinner.TickMsg:
		if m.State == Harvesting {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		progModel, frameCmd := m.overallProgress.Update(msg)
		if newModel, ok := progModel.(progress.Model); ok {
			m.overallProgress = newModel
			cmds = append(cmds, frameCmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *AppModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("--- Urna Log Harvester ---"))
	b.WriteString("\n\n")

	switch m.State {
	case Harvesting:
		b.WriteString(m.viewProgress())
	case ShowSummary:
		b.WriteString(m.viewProgress())
		b.WriteString("\n")
		b.WriteString(m.viewSummary())
	case ShowError:
		b.WriteString(m.viewProgress())
		b.WriteString("\n")
		b.WriteString(m.viewError())
	case Exiting:
		b.WriteString(infoStyle.Render("Exiting..."))
	}

	b.WriteString("\n\n")
	switch m.State {
	case Harvesting:
		b.WriteString(infoStyle.Render("Harvest running... 'q' or Ctrl+C to stop after the current member."))
	case ShowSummary, ShowError:
		b.WriteString(infoStyle.Render("Press Enter, Esc or 'q' to exit."))
	}
	return b.String()
}

// --- Update Helpers ---

func (m *AppModel) applyItemProgress(msg ItemProgressMsg) tea.Cmd {
	ip, exists := m.items[msg.Key]
	if !exists {
		ip = &ItemProgress{Key: msg.Key, Start: time.Now()}
		m.items[msg.Key] = ip
		m.itemOrder = append(m.itemOrder, msg.Key)
	}
	prevDone := isTerminal(ip.Status)
	ip.Status = msg.Status
	ip.Members = msg.Members
	ip.MemberErrors = msg.MemberErrors
	ip.ErrMsg = msg.ErrMsg
	if msg.Total > 0 {
		m.total = msg.Total
	}
	if isTerminal(msg.Status) && !prevDone {
		ip.Elapsed = time.Since(ip.Start)
		m.finished++
	}

	var percent float64
	if m.total > 0 {
		percent = float64(m.finished) / float64(m.total)
	}
	return m.overallProgress.SetPercent(percent)
}

func isTerminal(status string) bool {
	return status == db.EventCheckpointed || status == db.EventFailed || status == db.EventSkipped
}

// --- Task Starter ---

func (m *AppModel) startHarvest() tea.Cmd {
	return func() tea.Msg {
		var msg tea.Msg
		m.once.Do(func() {
			defer close(m.done)
			sum, err := m.run(m.ctx)
			msg = NewHarvestFinished(m.startTime, sum, err)
		})
		return msg
	}
}

// Wait cancels the harvest and blocks until it has returned. If the harvest
// never started it will not start afterwards.
func (m *AppModel) Wait() {
	m.cancel()
	m.once.Do(func() { close(m.done) })
	<-m.done
}

// --- View Helpers ---

func (m *AppModel) viewProgress() string {
	var b strings.Builder
	activity := ""
	if n := len(m.itemOrder); n > 0 {
		last := m.items[m.itemOrder[n-1]]
		activity = fmt.Sprintf("%s %s", last.Key, last.Status)
	}
	b.WriteString(fmt.Sprintf("%s Harvesting: %s\n", m.spinner.View(), activity))
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	b.WriteString(fmt.Sprintf(" (%d/%d)\n\n", m.finished, m.total))

	maxLines := max(1, m.termHeight-12)
	startIdx := 0
	if len(m.itemOrder) > maxLines {
		startIdx = len(m.itemOrder) - maxLines
	}
	if len(m.itemOrder) == 0 {
		return b.String()
	}

	b.WriteString(itemProgressHeaderStyle.Render(fmt.Sprintf("%-8s | %-12s | %8s | %6s | %s", "Item", "Status", "Members", "Errors", "Elapsed")))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", max(1, m.termWidth)))
	b.WriteString("\n")
	for _, key := range m.itemOrder[startIdx:] {
		ip := m.items[key]
		style, ok := itemStatusStyle[ip.Status]
		if !ok {
			style = infoStyle
		}
		elapsed := ""
		if ip.Elapsed > 0 {
			elapsed = ip.Elapsed.Round(time.Millisecond).String()
		} else if !isTerminal(ip.Status) {
			elapsed = time.Since(ip.Start).Round(time.Second).String() + "..."
		}
		b.WriteString(fmt.Sprintf("%-8s | %s | %8d | %6d | %s", ip.Key, style.Render(fmt.Sprintf("%-12s", ip.Status)), ip.Members, ip.MemberErrors, elapsed))
		if ip.Status == db.EventFailed && ip.ErrMsg != "" {
			b.WriteString("\n")
			b.WriteString(errorStyle.Render(truncate("  -> Error: "+ip.ErrMsg, m.termWidth-1)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *AppModel) viewSummary() string {
	s := m.Summary
	return fmt.Sprintf("Harvest finished in %s: %d checkpointed, %d failed, %d skipped; %d members (%d errors), %d modern, %d legacy, %d anomalies.",
		s.Duration.Round(time.Millisecond), s.Checkpointed, s.Failed, s.Skipped, s.Members, s.MemberErrors, s.Modern, s.Legacy, s.Anomalies)
}

func (m *AppModel) viewError() string {
	var b strings.Builder
	b.WriteString(errorStyle.Render("Harvest finished with errors:"))
	b.WriteString("\n\n")
	if m.FatalErr != nil {
		b.WriteString(wrapText(m.FatalErr.Error(), m.termWidth-4))
	}
	b.WriteString("\n")
	b.WriteString(m.viewSummary())
	return b.String()
}

// --- Helpers ---

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	for _, word := range strings.Fields(text) {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}
