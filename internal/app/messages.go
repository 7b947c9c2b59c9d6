package app

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/brensch/urnalog/internal/orchestrator"
)

// --- Progress Messages ---

// ItemProgressMsg updates the row of one work item.
type ItemProgressMsg struct {
	Key          string // work item key, e.g. "2t_SP"
	Index        int
	Total        int
	Status       string // db.Event* value
	Members      int
	MemberErrors int
	ErrMsg       string
}

// HarvestFinishedMsg signals that the harvest goroutine returned.
type HarvestFinishedMsg struct {
	Summary   orchestrator.Summary
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// --- Message Constructors ---

func NewItemProgress(p orchestrator.Progress) ItemProgressMsg {
	msg := ItemProgressMsg{
		Key:          p.Item.Key(),
		Index:        p.Index,
		Total:        p.Total,
		Status:       p.State,
		Members:      p.Members,
		MemberErrors: p.MemberErrors,
	}
	if p.Err != nil {
		msg.ErrMsg = p.Err.Error()
	}
	return msg
}

func NewHarvestFinished(start time.Time, sum orchestrator.Summary, err error) HarvestFinishedMsg {
	return HarvestFinishedMsg{Summary: sum, Err: err, StartTime: start, EndTime: time.Now()}
}

// ProgressSender returns a ProgressFunc forwarding every update to p.
func ProgressSender(p *tea.Program) orchestrator.ProgressFunc {
	return func(pr orchestrator.Progress) {
		p.Send(NewItemProgress(pr))
	}
}

func (m ItemProgressMsg) String() string {
	return fmt.Sprintf("ItemProgress %s: %s (%d members)", m.Key, m.Status, m.Members)
}

func (m HarvestFinishedMsg) Error() string {
	if m.Err != nil {
		return m.Err.Error()
	}
	return ""
}
