package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"MarketCrawler/internal/model"
)

// DefaultPriceField is the USD price inside a CoinGecko history payload.
const DefaultPriceField = "market_data.current_price.usd"

// ErrMalformedPayload means the body is not a JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

// MissingFieldError means a declared field is absent or not numeric.
type MissingFieldError struct {
	Path string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %s", e.Path)
}

// Parser extracts declared numeric fields from a history payload.
// The first field becomes Record.Value; the rest must merely be present.
type Parser struct {
	Fields []string
	Now    func() time.Time
}

// New creates a parser for the given dotted field paths. With no fields it
// uses DefaultPriceField.
func New(fields ...string) *Parser {
	if len(fields) == 0 {
		fields = []string{DefaultPriceField}
	}
	return &Parser{Fields: fields, Now: time.Now}
}

// Parse turns a raw body into a Record. Identity comes from the task, never
// from the payload.
func (p *Parser) Parse(body []byte, task model.FetchTask) (model.Record, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return model.Record{}, fmt.Errorf("%w: %s", ErrMalformedPayload, describe(err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return model.Record{}, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedPayload)
	}

	var value float64
	for i, path := range p.Fields {
		v, ok := lookup(doc, path)
		if !ok {
			return model.Record{}, &MissingFieldError{Path: path}
		}
		if i == 0 {
			value = v
		}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return model.Record{
		EntityID:   task.EntityID,
		Date:       task.Date,
		Value:      value,
		RawPayload: json.RawMessage(append([]byte(nil), body...)),
		FetchedAt:  now().UTC(),
	}, nil
}

// ToOutcome folds Parse into a FetchOutcome.
func (p *Parser) ToOutcome(payload *model.Payload) model.FetchOutcome {
	rec, err := p.Parse(payload.Body, payload.Task)
	if err != nil {
		return model.ParseFailure(payload.Task.RequestKey, err.Error(), payload.Attempts)
	}
	return model.Success(rec, payload.Attempts)
}

func lookup(doc map[string]any, path string) (float64, bool) {
	var cur any = doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		if cur, ok = obj[key]; !ok {
			return 0, false
		}
	}
	n, ok := cur.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

func describe(err error) string {
	if err == nil {
		return "not a JSON object"
	}
	return err.Error()
}
