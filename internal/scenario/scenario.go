// Package scenario loads the immutable dialogue registry: intents, scenarios with their
// ordered steps, the canned answers and the flight table.
//
// The registry is read from YAML once at startup. Handler names are resolved and step
// templates are parsed while loading, so a misconfigured registry fails before the bot
// accepts its first message.
package scenario

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/BTreeMap/TicketPipe/internal/extract"
	"github.com/BTreeMap/TicketPipe/internal/flights"
	"github.com/BTreeMap/TicketPipe/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultConfig []byte

// Config is the YAML document describing a registry.
type Config struct {
	DefaultAnswer string                                 `yaml:"default_answer"`
	ErrorAnswer   string                                 `yaml:"error_answer"`
	Intents       []IntentConfig                         `yaml:"intents"`
	Scenarios     []ScenarioConfig                       `yaml:"scenarios"`
	Flights       map[string]map[string][]flights.Flight `yaml:"flights"`
}

// IntentConfig declares one intent. Exactly one of Answer or Scenario is set.
type IntentConfig struct {
	Name     string   `yaml:"name"`
	Tokens   []string `yaml:"tokens"`
	Answer   string   `yaml:"answer,omitempty"`
	Scenario string   `yaml:"scenario,omitempty"`
}

// ScenarioConfig declares a scenario. When FirstStep is empty the first listed step is used.
type ScenarioConfig struct {
	Name      string       `yaml:"name"`
	FirstStep string       `yaml:"first_step,omitempty"`
	Steps     []StepConfig `yaml:"steps"`
}

// StepConfig declares one step of a scenario. A step without NextStep is terminal.
type StepConfig struct {
	Name        string `yaml:"name"`
	Text        string `yaml:"text"`
	Image       string `yaml:"image,omitempty"`
	Handler     string `yaml:"handler,omitempty"`
	NextStep    string `yaml:"next_step,omitempty"`
	FailureText string `yaml:"failure_text,omitempty"`
	Finish      string `yaml:"finish,omitempty"`
}

// Intent is a resolved intent. Tokens are lower-cased.
type Intent struct {
	Name     string
	Tokens   []string
	Answer   string
	Scenario string
}

// Step is a resolved scenario step.
type Step struct {
	Name        string
	HandlerName string
	Handler     extract.Handler
	NextStep    string
	Image       string

	Text        *template.Template
	FailureText *template.Template
	Finish      *template.Template
}

// Terminal reports whether the step ends the scenario.
func (s *Step) Terminal() bool {
	return s.NextStep == ""
}

// Scenario is a resolved scenario.
type Scenario struct {
	Name      string
	FirstStep string
	steps     map[string]*Step
	order     []string
}

// Step returns the named step.
func (s *Scenario) Step(name string) (*Step, error) {
	step, ok := s.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrUnknownStep, s.Name, name)
	}
	return step, nil
}

// Steps returns the steps in declaration order.
func (s *Scenario) Steps() []*Step {
	out := make([]*Step, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.steps[name])
	}
	return out
}

// Registry is the read-only configuration shared by the matcher, the engine and the handlers.
type Registry struct {
	DefaultAnswer string
	ErrorAnswer   string
	Intents       []Intent
	Flights       *flights.Registry

	scenarios map[string]*Scenario
}

// Scenario returns the named scenario.
func (r *Registry) Scenario(name string) (*Scenario, error) {
	sc, ok := r.scenarios[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownScenario, name)
	}
	return sc, nil
}

// Scenarios returns every scenario. Order is unspecified.
func (r *Registry) Scenarios() []*Scenario {
	out := make([]*Scenario, 0, len(r.scenarios))
	for _, sc := range r.scenarios {
		out = append(out, sc)
	}
	return out
}

// Default returns the registry embedded in the binary.
func Default() (*Registry, error) {
	return Load(defaultConfig)
}

// LoadFile reads and resolves a registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario config %q: %w", path, err)
	}
	reg, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}
	return reg, nil
}

// Load parses and resolves a registry from YAML.
func Load(data []byte) (*Registry, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return cfg.Build()
}

// Build validates the configuration and resolves it into a Registry.
func (c *Config) Build() (*Registry, error) {
	if strings.TrimSpace(c.DefaultAnswer) == "" {
		return nil, fmt.Errorf("default_answer is required")
	}

	fr, err := flights.NewRegistry(c.Flights)
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		DefaultAnswer: c.DefaultAnswer,
		ErrorAnswer:   c.ErrorAnswer,
		Flights:       fr,
		scenarios:     make(map[string]*Scenario, len(c.Scenarios)),
	}

	for _, sc := range c.Scenarios {
		if _, dup := reg.scenarios[sc.Name]; dup {
			return nil, fmt.Errorf("scenario %q declared twice", sc.Name)
		}
		resolved, err := buildScenario(sc)
		if err != nil {
			return nil, err
		}
		reg.scenarios[sc.Name] = resolved
	}

	seen := make(map[string]bool, len(c.Intents))
	for i, ic := range c.Intents {
		name := ic.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("intent %q declared twice", name)
		}
		seen[name] = true

		if (ic.Answer == "") == (ic.Scenario == "") {
			return nil, fmt.Errorf("intent %q: exactly one of answer or scenario must be set", name)
		}
		if ic.Scenario != "" {
			if _, err := reg.Scenario(ic.Scenario); err != nil {
				return nil, fmt.Errorf("intent %q: %w", name, err)
			}
		}
		intent := Intent{Name: name, Answer: ic.Answer, Scenario: ic.Scenario}
		for _, tok := range ic.Tokens {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "" {
				intent.Tokens = append(intent.Tokens, tok)
			}
		}
		if len(intent.Tokens) == 0 {
			return nil, fmt.Errorf("intent %q: at least one token is required", name)
		}
		reg.Intents = append(reg.Intents, intent)
	}

	return reg, nil
}

func buildScenario(sc ScenarioConfig) (*Scenario, error) {
	if sc.Name == "" {
		return nil, fmt.Errorf("scenario name is required")
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", sc.Name)
	}

	out := &Scenario{
		Name:      sc.Name,
		FirstStep: sc.FirstStep,
		steps:     make(map[string]*Step, len(sc.Steps)),
	}
	if out.FirstStep == "" {
		out.FirstStep = sc.Steps[0].Name
	}

	for _, st := range sc.Steps {
		if st.Name == "" {
			return nil, fmt.Errorf("scenario %q: step name is required", sc.Name)
		}
		if _, dup := out.steps[st.Name]; dup {
			return nil, fmt.Errorf("scenario %q: step %q declared twice", sc.Name, st.Name)
		}
		step, err := buildStep(sc.Name, st)
		if err != nil {
			return nil, err
		}
		out.steps[st.Name] = step
		out.order = append(out.order, st.Name)
	}

	if _, ok := out.steps[out.FirstStep]; !ok {
		return nil, fmt.Errorf("scenario %q: first_step %q does not exist", sc.Name, out.FirstStep)
	}
	for _, step := range out.steps {
		if step.Terminal() {
			continue
		}
		if _, ok := out.steps[step.NextStep]; !ok {
			return nil, fmt.Errorf("scenario %q step %q: next_step %q does not exist", sc.Name, step.Name, step.NextStep)
		}
	}
	return out, nil
}

func buildStep(scenarioName string, st StepConfig) (*Step, error) {
	where := fmt.Sprintf("scenario %q step %q", scenarioName, st.Name)
	step := &Step{
		Name:        st.Name,
		HandlerName: st.Handler,
		NextStep:    st.NextStep,
		Image:       st.Image,
	}

	if st.Text == "" && st.Image == "" {
		return nil, fmt.Errorf("%s: text or image is required", where)
	}

	if st.NextStep != "" {
		if st.Handler == "" {
			return nil, fmt.Errorf("%s: handler is required on a non-terminal step", where)
		}
		if st.FailureText == "" || st.Finish == "" {
			return nil, fmt.Errorf("%s: failure_text and finish are required on a non-terminal step", where)
		}
	}
	if st.Handler != "" {
		h, ok := extract.Lookup(st.Handler)
		if !ok {
			return nil, fmt.Errorf("%s: unknown handler %q (known: %s)", where, st.Handler, strings.Join(extract.Names(), ", "))
		}
		step.Handler = h
	}

	var err error
	if step.Text, err = parseTemplate(where+" text", st.Text); err != nil {
		return nil, err
	}
	if step.FailureText, err = parseTemplate(where+" failure_text", st.FailureText); err != nil {
		return nil, err
	}
	if step.Finish, err = parseTemplate(where+" finish", st.Finish); err != nil {
		return nil, err
	}
	return step, nil
}

// parseTemplate returns nil for an empty source.
func parseTemplate(name, src string) (*template.Template, error) {
	if src == "" {
		return nil, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return t, nil
}
