package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

const eventSchemaURL = "https://relaycal.local/schemas/event.json"

const eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["subject", "start", "end"],
  "properties": {
    "subject": {"type": "string", "minLength": 1, "maxLength": 255},
    "body": {"type": "string"},
    "start": {"type": "string", "minLength": 1},
    "end": {"type": "string", "minLength": 1},
    "isAllDay": {"type": "boolean"},
    "location": {"type": "string", "maxLength": 255},
    "timeZone": {"type": "string"},
    "categories": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "transactionId": {"type": "string", "maxLength": 255}
  }
}`

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
		if err != nil {
			eventSchemaErr = fmt.Errorf("parse event schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
			eventSchemaErr = fmt.Errorf("add event schema: %w", err)
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile(eventSchemaURL)
	})
	return eventSchema, eventSchemaErr
}

// wireEvent is the provider's JSON shape for a calendar event.
type wireEvent struct {
	ID         string   `json:"id,omitempty"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body,omitempty"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
	IsAllDay   bool     `json:"isAllDay,omitempty"`
	Location   string   `json:"location,omitempty"`
	TimeZone   string   `json:"timeZone,omitempty"`
	Categories []string `json:"categories,omitempty"`
	// TransactionID lets the provider drop a create it has already applied.
	TransactionID string `json:"transactionId,omitempty"`
}

const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

func toWire(p calsync.EventPayload) wireEvent {
	w := wireEvent{
		Subject:    p.Subject,
		Body:       p.Body,
		IsAllDay:   p.AllDay,
		Location:   p.Location,
		TimeZone:   p.TimeZone,
		Categories: append([]string(nil), p.Tags...),
	}
	if !p.Start.IsZero() {
		w.Start = p.Start.UTC().Format(wireTimeLayout)
	}
	if !p.End.IsZero() {
		w.End = p.End.UTC().Format(wireTimeLayout)
	}
	return w
}

func fromWire(w wireEvent) (calsync.EventPayload, error) {
	p := calsync.EventPayload{
		Subject:  w.Subject,
		Body:     w.Body,
		AllDay:   w.IsAllDay,
		Location: w.Location,
		TimeZone: w.TimeZone,
		Tags:     append([]string(nil), w.Categories...),
	}
	var err error
	if p.Start, err = parseWireTime(w.Start); err != nil {
		return calsync.EventPayload{}, fmt.Errorf("start: %w", err)
	}
	if p.End, err = parseWireTime(w.End); err != nil {
		return calsync.EventPayload{}, fmt.Errorf("end: %w", err)
	}
	return p, nil
}

func parseWireTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

// encodeEvent marshals the payload and validates it before it leaves the
// process. A schema violation is reported as a validation error.
func encodeEvent(p calsync.EventPayload, transactionID string) ([]byte, error) {
	w := toWire(p)
	w.TransactionID = transactionID
	body, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if !p.Start.IsZero() && !p.End.IsZero() && p.End.Before(p.Start) {
		return nil, calsync.NewValidationError("event ends before it starts")
	}
	schema, err := compiledEventSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(inst); err != nil {
		return nil, calsync.NewValidationError(err.Error())
	}
	return body, nil
}
