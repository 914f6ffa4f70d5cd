package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/scenario"
)

var testNow = time.Date(2020, 9, 16, 10, 0, 0, 0, time.UTC)

var fakeTicket = []byte("\x89PNG fake ticket")

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg, err := scenario.Default()
	if err != nil {
		t.Fatalf("Default registry: %v", err)
	}
	renderer, err := NewRenderer(reg, map[string]ImageProducer{
		"ticket": ImageProducerFunc(func(ctx context.Context, userID string, c models.BookingContext) ([]byte, error) {
			return fakeTicket, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	return NewEngine(reg, renderer, WithClock(func() time.Time { return testNow }))
}

// advanceAll feeds inputs one by one and fails on any unexpected outcome.
func advanceAll(t *testing.T, e *Engine, state *models.DialogueState, inputs ...string) *models.DialogueState {
	t.Helper()
	for _, in := range inputs {
		tr, err := e.Advance(context.Background(), state, in)
		if err != nil {
			t.Fatalf("Advance(%q): %v", in, err)
		}
		if tr.Outcome != OutcomeAdvanced {
			t.Fatalf("Advance(%q): expected advanced, got %v (%+v)", in, tr.Outcome, tr.Messages)
		}
		state = tr.State
	}
	return state
}

func TestEngineStart(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.Start(context.Background(), "42", "buy_ticket")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.Outcome != OutcomeStarted || tr.State == nil {
		t.Fatalf("unexpected transition: %+v", tr)
	}
	if tr.State.StepName != "step_1" || tr.State.Context.Origin != "" || tr.State.Aborting {
		t.Errorf("state should start at step_1 with empty context: %+v", tr.State)
	}
	if len(tr.Messages) != 1 || tr.Messages[0].Text != "Введите город отправления." {
		t.Errorf("unexpected messages: %+v", tr.Messages)
	}

	if _, err := e.Start(context.Background(), "42", "sell_ticket"); !errors.Is(err, models.ErrUnknownScenario) {
		t.Errorf("expected ErrUnknownScenario, got %v", err)
	}
}

func TestEngineFullScenario(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr, err := e.Start(ctx, "42", "buy_ticket")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	state := tr.State

	state = advanceAll(t, e, state, "Самара", "Москва")

	tr, err = e.Advance(ctx, state, "20-09-2020")
	if err != nil {
		t.Fatalf("Advance date: %v", err)
	}
	wantFlights := "Выберите рейс, введя его номер:\n" +
		"Рейс: FL-SB 2404. Дата: 20-09-2020. Время вылета: 08:00\n" +
		"Рейс: FL-SB 2504. Дата: 25-09-2020. Время вылета: 06:00\n"
	if tr.Messages[0].Text != wantFlights {
		t.Errorf("flight list mismatch\nwant %q\ngot  %q", wantFlights, tr.Messages[0].Text)
	}
	state = tr.State

	state = advanceAll(t, e, state, "FL-SB 2504", "5")

	tr, err = e.Advance(ctx, state, "Хочу сидеть у окна")
	if err != nil {
		t.Fatalf("Advance comment: %v", err)
	}
	summary := tr.Messages[0].Text
	for _, want := range []string{"Самара - Москва", "25-09-2020", "рейс FL-SB 2504", "мест: 5", "Хочу сидеть у окна"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary %q should contain %q", summary, want)
		}
	}
	state = advanceAll(t, e, tr.State, "Да")

	tr, err = e.Advance(ctx, state, "89099091234")
	if err != nil {
		t.Fatalf("Advance phone: %v", err)
	}
	if tr.Outcome != OutcomeCompleted || tr.State != nil {
		t.Fatalf("expected completion with state removed, got %+v", tr)
	}
	if tr.Booking == nil || tr.Booking.Date != "25-09-2020" || tr.Booking.Time != "06:00" || tr.Booking.Seats != 5 {
		t.Errorf("unexpected booking: %+v", tr.Booking)
	}
	if string(tr.Messages[0].Image) != string(fakeTicket) {
		t.Error("terminal step should carry the ticket image")
	}
	if !strings.Contains(tr.Messages[0].Text, "89099091234") {
		t.Errorf("terminal text should mention the phone: %q", tr.Messages[0].Text)
	}
}

func TestEngineRetryKeepsStep(t *testing.T) {
	e := newTestEngine(t)
	tr, _ := e.Start(context.Background(), "42", "buy_ticket")

	retry, err := e.Advance(context.Background(), tr.State, "Атлантида")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if retry.Outcome != OutcomeRetry || retry.State == nil || retry.State.StepName != "step_1" {
		t.Fatalf("expected retry at step_1, got %+v", retry)
	}
	if !strings.Contains(retry.Messages[0].Text, "Москва, Нью-Йорк, Самара, Санкт-Петербург") {
		t.Errorf("failure text should list cities: %q", retry.Messages[0].Text)
	}
	if tr.State.StepName != "step_1" || tr.State.UpdatedAt != testNow {
		t.Error("Advance must not modify the passed state")
	}
}

func TestEngineAborts(t *testing.T) {
	tests := []struct {
		name   string
		inputs []string
		last   string
		want   string
	}{
		{"no route", []string{"Самара"}, "Нью-Йорк", "Из города Самара в город Нью-Йорк рейсов нет."},
		{"no flights after date", []string{"Самара", "Москва"}, "26-09-2020", "рейсов из города Самара в город Москва нет"},
		{"declined confirmation", []string{"Самара", "Москва", "20-09-2020", "2404", "1", "-"}, "Нет", "Покупка билета отменена"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			tr, _ := e.Start(context.Background(), "42", "buy_ticket")
			state := advanceAll(t, e, tr.State, tt.inputs...)
			tr, err := e.Advance(context.Background(), state, tt.last)
			if err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if tr.Outcome != OutcomeAborted || tr.State != nil || tr.Booking != nil {
				t.Fatalf("expected abort without state or booking, got %+v", tr)
			}
			if !strings.Contains(tr.Messages[0].Text, tt.want) {
				t.Errorf("finish text %q should contain %q", tr.Messages[0].Text, tt.want)
			}
		})
	}
}

func TestEngineAbortSignalOnAcceptedStep(t *testing.T) {
	tests := []struct {
		name   string
		inputs []string
		mixed  string
		step   string
		failed string
		want   string
	}{
		{
			name:   "unreachable city before a reachable one",
			inputs: []string{"Самара"},
			mixed:  "Нью-Йорк Москва",
			step:   "step_3",
			failed: "ерунда",
			want:   "рейсов из города Самара в город Москва нет",
		},
		{
			name:   "negative word before an affirmative one",
			inputs: []string{"Самара", "Москва", "20-09-2020", "2404", "1", "-"},
			mixed:  "нет да",
			step:   "step_8",
			failed: "123",
			want:   "Покупка билета отменена.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			tr, _ := e.Start(context.Background(), "42", "buy_ticket")
			state := advanceAll(t, e, tr.State, tt.inputs...)

			tr, err := e.Advance(context.Background(), state, tt.mixed)
			if err != nil {
				t.Fatalf("Advance(%q): %v", tt.mixed, err)
			}
			if tr.Outcome != OutcomeAdvanced || tr.State.StepName != tt.step || !tr.State.Aborting {
				t.Fatalf("expected advance to %s with the abort flag set, got %v step=%v", tt.step, tr.Outcome, tr.State)
			}

			tr, err = e.Advance(context.Background(), tr.State, tt.failed)
			if err != nil {
				t.Fatalf("Advance(%q): %v", tt.failed, err)
			}
			if tr.Outcome != OutcomeAborted || tr.State != nil {
				t.Fatalf("a failed step after the abort signal should abort, got %v", tr.Outcome)
			}
			if !strings.Contains(tr.Messages[0].Text, tt.want) {
				t.Errorf("finish text %q should contain %q", tr.Messages[0].Text, tt.want)
			}
		})
	}
}

func TestEngineAbortFlagSurvivesAcceptedSteps(t *testing.T) {
	e := newTestEngine(t)
	tr, _ := e.Start(context.Background(), "42", "buy_ticket")
	state := advanceAll(t, e, tr.State, "Самара", "Нью-Йорк Москва", "20-09-2020")
	if !state.Aborting {
		t.Fatal("abort flag should persist across accepted steps")
	}

	tr, err := e.Advance(context.Background(), state, "9999")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if tr.Outcome != OutcomeAborted {
		t.Errorf("unknown flight after the abort signal should abort, got %v", tr.Outcome)
	}
}

func TestEngineRetryWithoutAbortSignal(t *testing.T) {
	e := newTestEngine(t)
	tr, _ := e.Start(context.Background(), "42", "buy_ticket")
	state := advanceAll(t, e, tr.State, "Самара", "Москва")

	tr, err := e.Advance(context.Background(), state, "ерунда")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if tr.Outcome != OutcomeRetry || tr.State == nil || tr.State.Aborting {
		t.Errorf("expected a retry without the abort flag, got %v", tr.Outcome)
	}
}

func TestEngineUnknownStep(t *testing.T) {
	e := newTestEngine(t)
	state := models.NewDialogueState("42", "buy_ticket", "step_99", testNow)
	if _, err := e.Advance(context.Background(), state, "x"); !errors.Is(err, models.ErrUnknownStep) {
		t.Errorf("expected ErrUnknownStep, got %v", err)
	}
}
