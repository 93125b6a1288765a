package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"notifybot/domain"
	"notifybot/track"
)

type fakeSender struct {
	sent    []string // channels in send order
	failFor map[string]error
	nextTS  int
}

func (f *fakeSender) PostMessage(ctx context.Context, channel, text string) (string, error) {
	if err, ok := f.failFor[channel]; ok {
		return "", err
	}
	f.sent = append(f.sent, channel)
	f.nextTS++
	return fmt.Sprintf("ts%d", f.nextTS), nil
}

func jobWith(rows ...domain.Row) *domain.NotifyJob {
	return &domain.NotifyJob{
		ID:        "job_F1",
		Status:    domain.JobStatusDispatching,
		ChannelID: "C1",
		UserID:    "U1",
		Rows:      rows,
	}
}

func TestRunAllValid(t *testing.T) {
	s := &fakeSender{}
	tr := track.NewMemorySentTracker(time.Hour)
	d := New(s, tr)

	rep := d.Run(context.Background(), jobWith(
		domain.Row{EmployeeID: "E1", Name: "Alice", Amount: "5000", Absences: "0", HolidaysWorked: "2"},
		domain.Row{EmployeeID: "E2", Name: "Bob", Amount: "4500", Absences: "1", HolidaysWorked: "0"},
	))
	if rep.Sent != 2 || rep.Total != 2 || len(rep.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(s.sent) != 2 || s.sent[0] != "E1" || s.sent[1] != "E2" {
		t.Fatalf("dispatch must be sequential in row order: %v", s.sent)
	}
	// Ack entries registered per sent message.
	if e, ok, _ := tr.Resolve(context.Background(), "ts1", "E1"); !ok || e.Name != "Alice" {
		t.Fatalf("ack entry for ts1 missing: ok=%v %+v", ok, e)
	}
}

func TestRunSkipsMissingData(t *testing.T) {
	// 3 rows, one with an empty amount: expect "2 of 3 sent" with the name listed.
	s := &fakeSender{}
	d := New(s, track.NewMemorySentTracker(time.Hour))

	rep := d.Run(context.Background(), jobWith(
		domain.Row{EmployeeID: "E1", Name: "Alice", Amount: "5000"},
		domain.Row{EmployeeID: "E2", Name: "Bob", Amount: ""},
		domain.Row{EmployeeID: "E3", Name: "Carol", Amount: "4000"},
	))
	if rep.Sent != 2 || rep.Total != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != "Bob" {
		t.Fatalf("failed list: %v", rep.Failed)
	}
	if rep.Outcomes[1].Status != domain.RowSkippedMissingData {
		t.Fatalf("row 2 outcome: %+v", rep.Outcomes[1])
	}
	if !strings.Contains(rep.Summary(), "2 of 3") || !strings.Contains(rep.Summary(), "Bob") {
		t.Fatalf("summary: %q", rep.Summary())
	}
	// No send attempt for the invalid row.
	for _, ch := range s.sent {
		if ch == "E2" {
			t.Fatalf("must not send to a row missing its amount")
		}
	}
}

func TestRunSendFailureDoesNotBlockOthers(t *testing.T) {
	// Row 2's transport fails; rows 1 and 3 still dispatch.
	s := &fakeSender{failFor: map[string]error{"E2": errors.New("transport down")}}
	d := New(s, track.NewMemorySentTracker(time.Hour))

	rep := d.Run(context.Background(), jobWith(
		domain.Row{EmployeeID: "E1", Name: "Alice", Amount: "5000"},
		domain.Row{EmployeeID: "E2", Name: "Bob", Amount: "4500"},
		domain.Row{EmployeeID: "E3", Name: "Carol", Amount: "4000"},
	))
	if rep.Sent != 2 || rep.Total != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != "Bob" {
		t.Fatalf("failed list: %v", rep.Failed)
	}
	if rep.Outcomes[1].Status != domain.RowSendFailed || rep.Outcomes[1].Error == "" {
		t.Fatalf("row 2 outcome: %+v", rep.Outcomes[1])
	}
	if len(s.sent) != 2 {
		t.Fatalf("rows 1 and 3 should still send: %v", s.sent)
	}
}

func TestRunInvalidNumericSkipped(t *testing.T) {
	s := &fakeSender{}
	d := New(s, track.NewMemorySentTracker(time.Hour))

	rep := d.Run(context.Background(), jobWith(
		domain.Row{EmployeeID: "E1", Name: "Alice", Amount: "5000", Absences: "two"},
		domain.Row{EmployeeID: "E2", Name: "Bob", Amount: "4500", HolidaysWorked: "-1"},
		domain.Row{EmployeeID: "E3", Name: "Carol", Amount: "4000", Absences: "", HolidaysWorked: "1"},
	))
	if rep.Sent != 1 {
		t.Fatalf("only the row with valid numerics should send: %+v", rep)
	}
	if rep.Outcomes[0].Status != domain.RowSkippedInvalidNum || rep.Outcomes[1].Status != domain.RowSkippedInvalidNum {
		t.Fatalf("outcomes: %+v", rep.Outcomes)
	}
	// Empty counts default to zero, they are not invalid.
	if rep.Outcomes[2].Status != domain.RowSent {
		t.Fatalf("row 3 outcome: %+v", rep.Outcomes[2])
	}
}

func TestFailedListPreservesRowOrder(t *testing.T) {
	s := &fakeSender{failFor: map[string]error{"E4": errors.New("down")}}
	d := New(s, track.NewMemorySentTracker(time.Hour))

	rep := d.Run(context.Background(), jobWith(
		domain.Row{EmployeeID: "", Name: "Zed", Amount: "1"},
		domain.Row{EmployeeID: "E2", Name: "Bob", Amount: "2"},
		domain.Row{EmployeeID: "E3", Name: "", Amount: ""},
		domain.Row{EmployeeID: "E4", Name: "Dana", Amount: "4"},
	))
	want := []string{"Zed", "E3", "Dana"}
	if len(rep.Failed) != len(want) {
		t.Fatalf("failed: %v", rep.Failed)
	}
	for i := range want {
		if rep.Failed[i] != want[i] {
			t.Fatalf("failed order: got %v want %v", rep.Failed, want)
		}
	}
}

func TestSummaryNoFailures(t *testing.T) {
	rep := &Report{Total: 2, Sent: 2}
	if got := rep.Summary(); got != "2 of 2 notifications sent." {
		t.Fatalf("summary: %q", got)
	}
}
