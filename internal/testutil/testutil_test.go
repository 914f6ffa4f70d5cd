package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

func TestFrozenClock(t *testing.T) {
	clock := FrozenClock(ScenarioDate)
	if !clock().Equal(ScenarioDate) {
		t.Errorf("expected %v, got %v", ScenarioDate, clock())
	}
	time.Sleep(time.Millisecond)
	if !clock().Equal(ScenarioDate) {
		t.Error("clock should not advance")
	}
}

func TestNewEngineStarts(t *testing.T) {
	e := NewEngine(t, DefaultRegistry(t))
	tr, err := e.Start(context.Background(), "42", "buy_ticket")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if tr.State == nil || tr.State.StepName != "step_1" {
		t.Errorf("unexpected transition: %+v", tr)
	}
}

func TestFakeServiceRecords(t *testing.T) {
	f := NewFakeService()
	f.SetName("42", "Иван")
	ctx := context.Background()

	if err := f.SendMessage(ctx, "42", "hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := f.SendImage(ctx, "42", FakeTicket); err != nil {
		t.Fatalf("SendImage failed: %v", err)
	}
	if got := f.Texts(); len(got) != 1 || got[0] != "hi" {
		t.Errorf("unexpected texts: %v", got)
	}
	if len(f.Sent()) != 2 {
		t.Errorf("expected 2 sent messages, got %d", len(f.Sent()))
	}
	if name, _ := f.DisplayName(ctx, "42"); name != "Иван" {
		t.Errorf("expected name, got %q", name)
	}

	f.Push(models.Event{Type: models.EventTypeMessageNew, From: "42"})
	if ev := <-f.Events(); ev.From != "42" {
		t.Errorf("unexpected event: %+v", ev)
	}
	f.Reset()
	if len(f.Sent()) != 0 {
		t.Error("Reset should clear recorded messages")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	AssertHTTPStatus(t, 200, 200, "matching status codes")
}
