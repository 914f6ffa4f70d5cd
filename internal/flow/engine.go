package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/extract"
	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/scenario"
)

// Outcome classifies a scenario transition.
type Outcome int

const (
	// OutcomeStarted means a scenario run began at its first step.
	OutcomeStarted Outcome = iota
	// OutcomeAdvanced means the step was accepted and the run moved on.
	OutcomeAdvanced
	// OutcomeRetry means the text was not understood and the step is asked again.
	OutcomeRetry
	// OutcomeAborted means the run ended without a booking.
	OutcomeAborted
	// OutcomeCompleted means the run reached its terminal step.
	OutcomeCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeRetry:
		return "retry"
	case OutcomeAborted:
		return "aborted"
	case OutcomeCompleted:
		return "completed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Transition is the result of one engine call. The engine does not persist anything:
// the caller saves State, or deletes the user's state when State is nil, and stores
// Booking when set.
type Transition struct {
	Outcome  Outcome
	State    *models.DialogueState
	Booking  *models.Booking
	Messages []models.OutboundMessage
}

// Opts holds configuration for the Engine.
type Opts struct {
	Now func() time.Time
}

// Option configures an Engine.
type Option func(*Opts)

// WithClock overrides the clock used for dates, timestamps and the date handler.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Engine is the scenario state machine.
type Engine struct {
	reg      *scenario.Registry
	renderer *Renderer
	now      func() time.Time
}

// NewEngine creates an engine over an immutable registry.
func NewEngine(reg *scenario.Registry, renderer *Renderer, opts ...Option) *Engine {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{reg: reg, renderer: renderer, now: cfg.Now}
}

func (e *Engine) env() extract.Env {
	return extract.Env{Now: e.now, Flights: e.reg.Flights}
}

// Start begins scenarioName for userID with an empty context and renders its first step.
func (e *Engine) Start(ctx context.Context, userID, scenarioName string) (*Transition, error) {
	sc, err := e.reg.Scenario(scenarioName)
	if err != nil {
		return nil, err
	}
	first, err := sc.Step(sc.FirstStep)
	if err != nil {
		return nil, err
	}

	state := models.NewDialogueState(userID, sc.Name, first.Name, e.now())
	msg, err := e.renderer.RenderStep(ctx, userID, first, state.Context)
	if err != nil {
		return nil, err
	}

	slog.Info("Scenario started", "userID", userID, "scenario", sc.Name, "step", first.Name)
	if first.Terminal() {
		return &Transition{Outcome: OutcomeCompleted, Messages: []models.OutboundMessage{msg}}, nil
	}
	return &Transition{Outcome: OutcomeStarted, State: state, Messages: []models.OutboundMessage{msg}}, nil
}

// Advance applies text to the current step of state. The passed state is not modified.
func (e *Engine) Advance(ctx context.Context, state *models.DialogueState, text string) (*Transition, error) {
	sc, err := e.reg.Scenario(state.ScenarioName)
	if err != nil {
		return nil, err
	}
	step, err := sc.Step(state.StepName)
	if err != nil {
		return nil, err
	}

	next := *state
	next.Context.Candidates = append([]models.FlightOption(nil), state.Context.Candidates...)

	if step.Terminal() {
		// Only reachable with a hand-edited state row; finish the run as is.
		return e.complete(ctx, &next, step)
	}

	res := step.Handler(e.env(), text, &next.Context)
	slog.Debug("Engine handler result", "userID", state.UserID, "step", step.Name, "handler", step.HandlerName, "result", res)

	if res.Abort {
		next.Aborting = true
	}

	switch {
	case res.Verdict == extract.Accept:
		nextStep, err := sc.Step(step.NextStep)
		if err != nil {
			return nil, err
		}
		if nextStep.Terminal() {
			return e.complete(ctx, &next, nextStep)
		}
		msg, err := e.renderer.RenderStep(ctx, next.UserID, nextStep, next.Context)
		if err != nil {
			return nil, err
		}
		next.StepName = nextStep.Name
		next.UpdatedAt = e.now()
		slog.Debug("Scenario advanced", "userID", next.UserID, "from", step.Name, "to", nextStep.Name)
		return &Transition{Outcome: OutcomeAdvanced, State: &next, Messages: []models.OutboundMessage{msg}}, nil

	case next.Aborting:
		reply, err := e.renderer.Text(step.Finish, next.Context)
		if err != nil {
			return nil, err
		}
		slog.Info("Scenario aborted", "userID", next.UserID, "scenario", sc.Name, "step", step.Name)
		return &Transition{Outcome: OutcomeAborted, Messages: []models.OutboundMessage{{Text: reply}}}, nil

	default:
		reply, err := e.renderer.Text(step.FailureText, next.Context)
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = e.now()
		return &Transition{Outcome: OutcomeRetry, State: &next, Messages: []models.OutboundMessage{{Text: reply}}}, nil
	}
}

// complete renders the terminal step and builds the booking from the collected context.
func (e *Engine) complete(ctx context.Context, state *models.DialogueState, terminal *scenario.Step) (*Transition, error) {
	msg, err := e.renderer.RenderStep(ctx, state.UserID, terminal, state.Context)
	if err != nil {
		return nil, err
	}
	booking, err := models.NewBooking(state.UserID, state.Context, e.now())
	if err != nil {
		return nil, fmt.Errorf("complete scenario %q for %s: %w", state.ScenarioName, state.UserID, err)
	}
	slog.Info("Booking completed", "userID", state.UserID, "origin", booking.Origin,
		"destination", booking.Destination, "date", booking.Date, "flight", booking.Flight)
	return &Transition{Outcome: OutcomeCompleted, Booking: booking, Messages: []models.OutboundMessage{msg}}, nil
}
