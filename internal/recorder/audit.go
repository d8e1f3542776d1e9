package recorder

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"MarketCrawler/internal/model"
)

// auditEntry is the on-disk shape of one fetched record.
type auditEntry struct {
	CoinID       string          `json:"coin_id"`
	Date         string          `json:"date"`
	USDPrice     float64         `json:"usd_price"`
	FetchedAt    time.Time       `json:"fetched_at"`
	FullResponse json.RawMessage `json:"full_response"`
}

// AuditWriter dumps one JSON file per request key and keeps run reports
// under reports/.
type AuditWriter struct {
	Dir string
}

// NewAuditWriter creates the audit directory if needed.
func NewAuditWriter(dir string) (*AuditWriter, error) {
	if err := os.MkdirAll(filepath.Join(dir, "reports"), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditWriter{Dir: dir}, nil
}

// Path returns the audit file for a request key: {entity}_{DD-MM-YYYY}.json.
// The entity is path-escaped so distinct ids never share a file.
func (w *AuditWriter) Path(requestKey string) string {
	name := url.PathEscape(requestKey)
	if i := strings.LastIndexByte(requestKey, '|'); i >= 0 {
		name = url.PathEscape(requestKey[:i]) + "_" + url.PathEscape(requestKey[i+1:])
	}
	return filepath.Join(w.Dir, name+".json")
}

// Write overwrites the audit file of the record's request key.
func (w *AuditWriter) Write(rec model.Record) error {
	raw := rec.RawPayload
	if !json.Valid(raw) {
		raw = json.RawMessage("null")
	}
	data, err := json.MarshalIndent(auditEntry{
		CoinID:       rec.EntityID,
		Date:         model.FormatDate(rec.Date),
		USDPrice:     rec.Value,
		FetchedAt:    rec.FetchedAt,
		FullResponse: raw,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return writeFileAtomic(w.Path(rec.RequestKey()), data)
}

// Read loads the audit entry of a request key.
func (w *AuditWriter) Read(requestKey string) (model.Record, error) {
	data, err := os.ReadFile(w.Path(requestKey))
	if err != nil {
		return model.Record{}, err
	}
	var e auditEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return model.Record{}, err
	}
	d, err := model.ParseDate(e.Date)
	if err != nil {
		return model.Record{}, err
	}
	return model.Record{
		EntityID:   e.CoinID,
		Date:       d,
		Value:      e.USDPrice,
		RawPayload: e.FullResponse,
		FetchedAt:  e.FetchedAt,
	}, nil
}

// WriteReport stores reports/{run_id}.json and repoints reports/latest.json
// at it by atomic rename.
func (w *AuditWriter) WriteReport(r *model.RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	dir := filepath.Join(w.Dir, "reports")
	if err := writeFileAtomic(filepath.Join(dir, r.RunID+".json"), data); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "latest.json"), data)
}

// LatestReport reads reports/latest.json. Returns nil if no run has completed yet.
func (w *AuditWriter) LatestReport() (*model.RunReport, error) {
	data, err := os.ReadFile(filepath.Join(w.Dir, "reports", "latest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var r model.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
