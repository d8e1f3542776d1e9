package parser

import (
	"errors"
	"testing"
	"time"

	"MarketCrawler/internal/model"
)

func task(t *testing.T, id, day string) model.FetchTask {
	t.Helper()
	d, err := model.ParseDate(day)
	if err != nil {
		t.Fatal(err)
	}
	return model.NewFetchTask(id, d)
}

func TestParse_WellFormed(t *testing.T) {
	fetched := time.Date(2022, 12, 16, 3, 0, 0, 0, time.UTC)
	p := New()
	p.Now = func() time.Time { return fetched }

	body := []byte(`{"id":"ethereum","market_data":{"current_price":{"usd":17000.5,"eur":16000}}}`)
	rec, err := p.Parse(body, task(t, "bitcoin", "15-12-2022"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.EntityID != "bitcoin" {
		t.Errorf("identity must come from the task, got %q", rec.EntityID)
	}
	if model.FormatDate(rec.Date) != "15-12-2022" {
		t.Errorf("unexpected date %s", rec.Date)
	}
	if rec.Value != 17000.5 {
		t.Errorf("unexpected value %v", rec.Value)
	}
	if string(rec.RawPayload) != string(body) {
		t.Error("raw payload not retained verbatim")
	}
	if !rec.FetchedAt.Equal(fetched) {
		t.Errorf("unexpected fetched_at %v", rec.FetchedAt)
	}
}

func TestParse_MissingField(t *testing.T) {
	p := New()
	_, err := p.Parse([]byte(`{"market_data":{"current_price":{"eur":1}}}`), task(t, "bitcoin", "15-12-2022"))
	var mf *MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
	if mf.Path != DefaultPriceField {
		t.Errorf("unexpected path %q", mf.Path)
	}
}

func TestParse_NonNumericField(t *testing.T) {
	p := New()
	_, err := p.Parse([]byte(`{"market_data":{"current_price":{"usd":"17000"}}}`), task(t, "bitcoin", "15-12-2022"))
	var mf *MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
}

func TestParse_AllDeclaredFieldsRequired(t *testing.T) {
	p := New(DefaultPriceField, "market_data.total_volume.usd")
	_, err := p.Parse([]byte(`{"market_data":{"current_price":{"usd":1}}}`), task(t, "bitcoin", "15-12-2022"))
	var mf *MissingFieldError
	if !errors.As(err, &mf) || mf.Path != "market_data.total_volume.usd" {
		t.Fatalf("expected missing total_volume, got %v", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	p := New()
	for _, body := range []string{
		`not json`, `[1,2]`, `null`, ``,
		`{"market_data":{"current_price":{"usd":17000}}} <html>oops</html>`,
		`{"market_data":{"current_price":{"usd":1}}}{}`,
	} {
		if _, err := p.Parse([]byte(body), task(t, "bitcoin", "15-12-2022")); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("body %q: expected ErrMalformedPayload, got %v", body, err)
		}
	}
}

func TestToOutcome(t *testing.T) {
	p := New()
	tk := task(t, "cardano", "01-01-2023")

	ok := p.ToOutcome(&model.Payload{Task: tk, Body: []byte(`{"market_data":{"current_price":{"usd":0.25}}}`), Attempts: 2})
	if ok.Kind != model.OutcomeSuccess || ok.Record == nil || ok.Attempts != 2 {
		t.Fatalf("unexpected outcome %+v", ok)
	}
	if ok.RequestKey != tk.RequestKey {
		t.Errorf("unexpected key %q", ok.RequestKey)
	}

	bad := p.ToOutcome(&model.Payload{Task: tk, Body: []byte(`{}`)})
	if bad.Kind != model.OutcomeParseFailure || bad.Record != nil {
		t.Fatalf("expected parse failure without record, got %+v", bad)
	}
}
