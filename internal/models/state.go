// Package models defines dialogue state structures for TicketPipe scenarios.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CandidateLineFormat renders one candidate flight for the flight selection prompt.
const CandidateLineFormat = "Рейс: %s. Дата: %s. Время вылета: %s\n"

// FlightOption is a flight offered to the user after the date step.
type FlightOption struct {
	ID   string `json:"id"`
	Date string `json:"date"` // DD-MM-YYYY
	Time string `json:"time"` // HH:MM
}

// BookingContext accumulates the fields collected across the steps of one scenario run.
// Fields are only ever added or overwritten, never cleared.
type BookingContext struct {
	Origin      string         `json:"origin,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Date        string         `json:"date,omitempty"`
	Time        string         `json:"time,omitempty"`
	Flight      string         `json:"flight,omitempty"`
	Candidates  []FlightOption `json:"candidates,omitempty"`
	Seats       int            `json:"seats,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	Phone       string         `json:"phone,omitempty"`
}

// Candidate returns the candidate flight with the given id.
func (c *BookingContext) Candidate(id string) (FlightOption, bool) {
	for _, f := range c.Candidates {
		if f.ID == id {
			return f, true
		}
	}
	return FlightOption{}, false
}

// CandidateList renders the candidate flights one per line.
func (c *BookingContext) CandidateList() string {
	var sb strings.Builder
	for _, f := range c.Candidates {
		sb.WriteString(formatCandidate(f))
	}
	return sb.String()
}

func formatCandidate(f FlightOption) string {
	return fmt.Sprintf(CandidateLineFormat, f.ID, f.Date, f.Time)
}

// TemplateData exposes the populated fields by name. Absent fields are left out
// so that a template referencing them fails instead of rendering an empty value.
func (c *BookingContext) TemplateData() map[string]string {
	data := make(map[string]string)
	put := func(key, value string) {
		if value != "" {
			data[key] = value
		}
	}
	put("origin", c.Origin)
	put("destination", c.Destination)
	put("date", c.Date)
	put("time", c.Time)
	put("flight", c.Flight)
	put("flights", c.CandidateList())
	if c.Seats > 0 {
		data["seats"] = strconv.Itoa(c.Seats)
	}
	put("comment", c.Comment)
	put("phone", c.Phone)
	return data
}

// DialogueState is the durable per-user position inside a scenario.
// At most one exists per user at any time.
type DialogueState struct {
	UserID       string         `json:"user_id"`
	ScenarioName string         `json:"scenario_name"`
	StepName     string         `json:"step_name"`
	Context      BookingContext `json:"context"`
	// Aborting is set when a handler raises the abort signal, even on an accepted step,
	// and stays set for the rest of the run:
	// any later failed step ends the scenario instead of retrying.
	Aborting  bool      `json:"aborting"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDialogueState creates the state for a freshly started scenario.
func NewDialogueState(userID, scenarioName, firstStep string, now time.Time) *DialogueState {
	return &DialogueState{
		UserID:       userID,
		ScenarioName: scenarioName,
		StepName:     firstStep,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
