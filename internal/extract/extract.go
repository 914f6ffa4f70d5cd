// Package extract provides the named extraction handlers of the ticket scenario.
//
// Each handler validates one dialogue field in raw user text and stores the parsed
// value in the booking context. Handlers are referenced by name from scenario
// definitions and resolved once when the definitions are loaded.
package extract

import (
	"sort"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/flights"
	"github.com/BTreeMap/TicketPipe/internal/models"
)

// Verdict says whether a handler understood the text.
type Verdict int

const (
	// Reject means the text was not understood; the step is retried unless the run
	// is aborting.
	Reject Verdict = iota
	// Accept means the field was extracted and the scenario may advance.
	Accept
)

func (v Verdict) String() string {
	if v == Accept {
		return "accept"
	}
	return "reject"
}

// Result is the outcome of a handler run. Abort reports a dead end seen in the text
// (no route, no flights, an explicit "no") and is independent of Verdict: a handler
// may raise it and still accept a later word. Once raised it stays set for the rest
// of the run, so the next rejected step ends the run instead of retrying.
type Result struct {
	Verdict Verdict
	Abort   bool
}

func (r Result) String() string {
	if r.Abort {
		return r.Verdict.String() + "+abort"
	}
	return r.Verdict.String()
}

var (
	accepted = Result{Verdict: Accept}
	rejected = Result{Verdict: Reject}
	refused  = Result{Verdict: Reject, Abort: true}
)

// Env holds the environmental reads a handler may perform.
type Env struct {
	Now     func() time.Time
	Flights *flights.Registry
}

// Handler validates text for one field and mutates the context on success.
type Handler func(env Env, text string, c *models.BookingContext) Result

// Handler names referenced from scenario definitions.
const (
	HandlerCityFrom = "city_from"
	HandlerCityTo   = "city_to"
	HandlerDate     = "date"
	HandlerFlight   = "flight"
	HandlerSeats    = "seats"
	HandlerComment  = "comment"
	HandlerConfirm  = "confirm"
	HandlerPhone    = "phone"
)

var handlers = map[string]Handler{
	HandlerCityFrom: CityFrom,
	HandlerCityTo:   CityTo,
	HandlerDate:     Date,
	HandlerFlight:   Flight,
	HandlerSeats:    Seats,
	HandlerComment:  Comment,
	HandlerConfirm:  Confirm,
	HandlerPhone:    Phone,
}

// Lookup returns the handler registered under name.
func Lookup(name string) (Handler, bool) {
	h, ok := handlers[name]
	return h, ok
}

// Names lists the registered handler names in sorted order.
func Names() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
