package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/TicketPipe/internal/flights"
	"github.com/BTreeMap/TicketPipe/internal/models"
)

var (
	dateRegex   = regexp.MustCompile(`[0-3][0-9]-[01][0-9]-20[2-9][0-9]`)
	flightRegex = regexp.MustCompile(`\d{4}`)
	seatsRegex  = regexp.MustCompile(`(?:^|\D)([1-5])(?:\D|$)`)
	phoneRegex  = regexp.MustCompile(`(?:^|[^\d+])((?:\+7|8)\d{10})(?:\D|$)`)
)

// Confirmation vocabularies. Entries may span several words.
var (
	affirmativeWords = map[string]bool{
		"да": true, "ага": true, "угу": true, "йес": true, "ок": true,
		"lf": true, "yes": true, "так точно": true,
	}
	negativeWords = map[string]bool{
		"нет": true, "неа": true, "no": true, "nein": true, "отнюдь": true,
		"не": true, "не точно": true,
	}
)

// CityFrom stores the first word of text that names a known city as the origin.
func CityFrom(env Env, text string, c *models.BookingContext) Result {
	for _, word := range strings.Fields(text) {
		if city, ok := env.Flights.MatchCity(word); ok {
			c.Origin = city
			return accepted
		}
	}
	return rejected
}

// CityTo stores the destination. Every word is checked: a known city with no route
// from the origin raises the abort signal even when a later word names a reachable city.
func CityTo(env Env, text string, c *models.BookingContext) Result {
	res := rejected
	for _, word := range strings.Fields(text) {
		city, ok := env.Flights.MatchCity(word)
		if !ok {
			continue
		}
		c.Destination = city
		if env.Flights.HasRoute(c.Origin, city) {
			res.Verdict = Accept
			return res
		}
		res.Abort = true
	}
	return res
}

// Date accepts a DD-MM-YYYY date no earlier than today and looks up the flights
// on the chosen route departing on or after it. No flights is a dead end.
func Date(env Env, text string, c *models.BookingContext) Result {
	match := dateRegex.FindString(text)
	if match == "" {
		return rejected
	}
	day, err := flights.ParseDate(match)
	if err != nil {
		return rejected
	}
	if !flights.SameOrAfterDay(day, env.Now()) {
		return rejected
	}

	c.Date = match
	found := env.Flights.Search(c.Origin, c.Destination, day)
	if len(found) == 0 {
		return refused
	}
	c.Candidates = make([]models.FlightOption, 0, len(found))
	for _, f := range found {
		c.Candidates = append(c.Candidates, models.FlightOption{ID: f.ID, Date: f.Date, Time: f.Time})
	}
	return accepted
}

// Flight selects a candidate flight by a 4-digit number contained in its id.
// The booking date and time are replaced with the selected flight's.
func Flight(env Env, text string, c *models.BookingContext) Result {
	match := flightRegex.FindString(text)
	if match == "" {
		return rejected
	}
	for _, f := range c.Candidates {
		if strings.Contains(f.ID, match) {
			c.Flight = f.ID
			c.Date = f.Date
			c.Time = f.Time
			return accepted
		}
	}
	return rejected
}

// Seats accepts a standalone digit from 1 to 5.
func Seats(env Env, text string, c *models.BookingContext) Result {
	m := seatsRegex.FindStringSubmatch(text)
	if m == nil {
		return rejected
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return rejected
	}
	c.Seats = n
	return accepted
}

// Comment stores the text verbatim.
func Comment(env Env, text string, c *models.BookingContext) Result {
	c.Comment = text
	return accepted
}

// Confirm recognises yes/no answers. Any affirmative word accepts and any negative
// word raises the abort signal, so "нет да" accepts but leaves the run aborting.
// Anything else is rejected for a retry.
func Confirm(env Env, text string, c *models.BookingContext) Result {
	whole := normalizeAnswer(text)
	if affirmativeWords[whole] {
		return accepted
	}
	if negativeWords[whole] {
		return refused
	}

	res := rejected
	for _, word := range strings.Fields(whole) {
		if affirmativeWords[word] {
			res.Verdict = Accept
		}
		if negativeWords[word] {
			res.Abort = true
		}
	}
	return res
}

// Phone accepts a Russian phone number written as +7XXXXXXXXXX or 8XXXXXXXXXX.
func Phone(env Env, text string, c *models.BookingContext) Result {
	m := phoneRegex.FindStringSubmatch(text)
	if m == nil {
		return rejected
	}
	c.Phone = m[1]
	return accepted
}

func normalizeAnswer(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || strings.ContainsRune(".,!?;:", r)
	})
	return strings.Join(fields, " ")
}
