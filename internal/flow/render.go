package flow

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/scenario"
)

// ImageProducer renders a named image attachment for a step.
type ImageProducer interface {
	Produce(ctx context.Context, userID string, c models.BookingContext) ([]byte, error)
}

// ImageProducerFunc adapts a function to ImageProducer.
type ImageProducerFunc func(ctx context.Context, userID string, c models.BookingContext) ([]byte, error)

// Produce calls f.
func (f ImageProducerFunc) Produce(ctx context.Context, userID string, c models.BookingContext) ([]byte, error) {
	return f(ctx, userID, c)
}

// Renderer turns step templates and image producers into outbound messages.
type Renderer struct {
	cities string
	images map[string]ImageProducer
}

// NewRenderer creates a renderer. Every image named by a registry step must have a producer.
func NewRenderer(reg *scenario.Registry, images map[string]ImageProducer) (*Renderer, error) {
	for _, sc := range reg.Scenarios() {
		for _, step := range sc.Steps() {
			if step.Image == "" {
				continue
			}
			if _, ok := images[step.Image]; !ok {
				return nil, fmt.Errorf("scenario %q step %q: no image producer named %q", sc.Name, step.Name, step.Image)
			}
		}
	}
	return &Renderer{
		cities: strings.Join(reg.Flights.Cities(), ", "),
		images: images,
	}, nil
}

// RenderStep renders a step's prompt: its text and, when configured, its image.
func (r *Renderer) RenderStep(ctx context.Context, userID string, step *scenario.Step, c models.BookingContext) (models.OutboundMessage, error) {
	var msg models.OutboundMessage
	if step.Text != nil {
		text, err := r.Text(step.Text, c)
		if err != nil {
			return msg, err
		}
		msg.Text = text
	}
	if step.Image != "" {
		producer, ok := r.images[step.Image]
		if !ok {
			return msg, fmt.Errorf("no image producer named %q", step.Image)
		}
		img, err := producer.Produce(ctx, userID, c)
		if err != nil {
			return msg, fmt.Errorf("produce image %q for step %q: %w", step.Image, step.Name, err)
		}
		msg.Image = img
	}
	return msg, nil
}

// Text executes t against the populated context fields and the city list.
// A template referencing a field the scenario has not collected yet is an error.
func (r *Renderer) Text(t *template.Template, c models.BookingContext) (string, error) {
	data := c.TemplateData()
	data["cities"] = r.cities

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
