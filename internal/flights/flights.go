// Package flights provides the immutable flight registry used by the ticket scenario.
//
// The registry maps origin city -> destination city -> scheduled flights and is loaded
// once at startup. It answers city lookups, route checks and route+date searches.
package flights

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Date and time layouts used by the registry and by user input.
const (
	// DateLayout is the DD-MM-YYYY layout used for flight dates
	DateLayout = "02-01-2006"
	// TimeLayout is the HH:MM layout used for departure times
	TimeLayout = "15:04"
	// CityPrefixLength is the number of leading letters compared when matching a city
	CityPrefixLength = 4
)

// cityTokenRegex extracts a plausible city name token from a single word.
var cityTokenRegex = regexp.MustCompile(`[\p{L}-]{4,44}`)

// Flight is one scheduled departure on a route.
type Flight struct {
	ID   string `yaml:"flight" json:"flight"`
	Date string `yaml:"date"   json:"date"`
	Time string `yaml:"time"   json:"time"`

	day time.Time
}

// Registry is a read-only route table shared by all users.
type Registry struct {
	routes map[string]map[string][]Flight
	cities []string
}

// NewRegistry validates the route table and builds a registry from it.
func NewRegistry(routes map[string]map[string][]Flight) (*Registry, error) {
	r := &Registry{routes: make(map[string]map[string][]Flight, len(routes))}
	seen := make(map[string]bool)

	for from, destinations := range routes {
		if strings.TrimSpace(from) == "" {
			return nil, fmt.Errorf("flight registry: empty origin city")
		}
		seen[from] = true
		r.routes[from] = make(map[string][]Flight, len(destinations))
		for to, flights := range destinations {
			if strings.TrimSpace(to) == "" {
				return nil, fmt.Errorf("flight registry: empty destination city for origin %q", from)
			}
			seen[to] = true
			parsed := make([]Flight, 0, len(flights))
			for i, f := range flights {
				if f.ID == "" {
					return nil, fmt.Errorf("flight registry %s -> %s flight %d: id is required", from, to, i)
				}
				day, err := time.Parse(DateLayout, f.Date)
				if err != nil {
					return nil, fmt.Errorf("flight registry %s -> %s flight %q: invalid date %q: %w", from, to, f.ID, f.Date, err)
				}
				if _, err := time.Parse(TimeLayout, f.Time); err != nil {
					return nil, fmt.Errorf("flight registry %s -> %s flight %q: invalid time %q: %w", from, to, f.ID, f.Time, err)
				}
				f.day = day
				parsed = append(parsed, f)
			}
			r.routes[from][to] = parsed
		}
	}

	for city := range seen {
		r.cities = append(r.cities, city)
	}
	sort.Strings(r.cities)
	return r, nil
}

// Cities returns every known city in sorted order.
func (r *Registry) Cities() []string {
	out := make([]string, len(r.cities))
	copy(out, r.cities)
	return out
}

// MatchCity finds the registry city matching a single word of user input.
// The first letters of the word are capitalised and looked up as a substring of
// each city, which tolerates case and Russian declension ("ньЮ-Йорке" -> "Нью-Йорк").
func (r *Registry) MatchCity(word string) (string, bool) {
	token := cityTokenRegex.FindString(word)
	if token == "" {
		return "", false
	}
	prefix := capitalize(firstRunes(token, CityPrefixLength))
	for _, city := range r.cities {
		if strings.Contains(city, prefix) {
			return city, true
		}
	}
	return "", false
}

// HasRoute reports whether at least one flight is scheduled from origin to destination.
func (r *Registry) HasRoute(from, to string) bool {
	_, ok := r.routes[from][to]
	return ok
}

// Search returns the flights on the route departing on or after the given day,
// in declaration order.
func (r *Registry) Search(from, to string, day time.Time) []Flight {
	day = truncateDay(day)
	var out []Flight
	for _, f := range r.routes[from][to] {
		if !f.day.Before(day) {
			out = append(out, f)
		}
	}
	return out
}

// ParseDate parses a DD-MM-YYYY date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameOrAfterDay reports whether a falls on the same calendar day as b or later.
func SameOrAfterDay(a, b time.Time) bool {
	return !truncateDay(a).Before(truncateDay(b))
}

func firstRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func capitalize(s string) string {
	first, size := utf8.DecodeRuneInString(s)
	if first == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(first)) + strings.ToLower(s[size:])
}
