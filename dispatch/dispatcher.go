package dispatch

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"notifybot/domain"
	"notifybot/message"
	"notifybot/obs"
	"notifybot/track"
)

// Sender is the one external capability dispatch needs: deliver text to a
// destination and return the platform message identifier.
type Sender interface {
	PostMessage(ctx context.Context, channel, text string) (string, error)
}

type Dispatcher struct {
	sender  Sender
	tracker track.SentTracker
}

func New(sender Sender, tracker track.SentTracker) *Dispatcher {
	return &Dispatcher{sender: sender, tracker: tracker}
}

// Report aggregates one job's dispatch. Outcomes preserve row order; Failed
// lists the display names of every non-sent row in that same order.
type Report struct {
	Total    int
	Sent     int
	Outcomes []domain.RowOutcome
	Failed   []string
}

// Summary renders the single channel-facing report message.
func (r *Report) Summary() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d notifications sent.", r.Sent, r.Total)
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, " Failed or skipped: %s.", strings.Join(r.Failed, ", "))
	}
	return b.String()
}

// Run sends one notification per row, sequentially and in row order. A row's
// failure never blocks the remaining rows; every row ends up in exactly one
// outcome bucket so nothing silently drops from the report.
func (d *Dispatcher) Run(ctx context.Context, job *domain.NotifyJob) *Report {
	rep := &Report{Total: len(job.Rows)}
	for _, row := range job.Rows {
		out := d.dispatchRow(ctx, job, row)
		rep.Outcomes = append(rep.Outcomes, out)
		if out.Status == domain.RowSent {
			rep.Sent++
		} else {
			rep.Failed = append(rep.Failed, displayName(row))
		}
		obs.RecordDispatchRow(string(out.Status))
	}
	return rep
}

func (d *Dispatcher) dispatchRow(ctx context.Context, job *domain.NotifyJob, row domain.Row) domain.RowOutcome {
	out := domain.RowOutcome{EmployeeID: row.EmployeeID, Name: row.Name}

	if strings.TrimSpace(row.EmployeeID) == "" ||
		strings.TrimSpace(row.Amount) == "" ||
		strings.TrimSpace(row.Name) == "" {
		out.Status = domain.RowSkippedMissingData
		return out
	}

	absences, err1 := parseCount(row.Absences)
	holidays, err2 := parseCount(row.HolidaysWorked)
	if err1 != nil || err2 != nil {
		// Never coerce an unparseable count to zero; skip and report.
		out.Status = domain.RowSkippedInvalidNum
		return out
	}

	text := message.Render(row.Name, row.Amount, absences, holidays)
	ts, err := d.sender.PostMessage(ctx, row.EmployeeID, text)
	if err != nil {
		out.Status = domain.RowSendFailed
		out.Error = err.Error()
		return out
	}
	out.Status = domain.RowSent
	out.MessageTS = ts

	if d.tracker != nil {
		if err := d.tracker.Record(ctx, ts, track.Entry{
			EmployeeID: row.EmployeeID,
			Name:       row.Name,
			ChannelID:  job.ChannelID,
		}); err != nil {
			// The notification went out; losing the ack entry only loses the
			// later confirmation notice.
			log.Printf("record ack entry failed job=%s ts=%s: %v", job.ID, ts, err)
		}
	}
	return out
}

// parseCount accepts a non-negative integer; empty means zero.
func parseCount(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return n, nil
}

func displayName(row domain.Row) string {
	if strings.TrimSpace(row.Name) != "" {
		return strings.TrimSpace(row.Name)
	}
	if strings.TrimSpace(row.EmployeeID) != "" {
		return strings.TrimSpace(row.EmployeeID)
	}
	return "(unnamed)"
}
