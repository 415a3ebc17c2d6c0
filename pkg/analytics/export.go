package analytics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{
	"id", "created_at", "first_name", "last_name", "email", "phone",
	"country", "remote_ip", "ephemeral_id", "bot_score", "trust_score",
	"ja4", "user_agent",
}

// EncodeExport renders the rows in the requested format and returns the
// body with its content type.
func EncodeExport(rows []store.Submission, format string) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		body, err := encodeCSV(rows)
		return body, "text/csv; charset=utf-8", err
	case FormatJSON, "":
		body, err := json.Marshal(map[string]any{
			"count": len(rows),
			"items": rows,
		})
		return body, "application/json", err
	default:
		return nil, "", fmt.Errorf("analytics: unknown export format %q", format)
	}
}

func encodeCSV(rows []store.Submission) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range rows {
		record := []string{
			r.ID, r.CreatedAt, r.FirstName, r.LastName, r.Email,
			r.Phone.String, r.Country, r.RemoteIP, r.EphemeralID.String,
			strconv.Itoa(r.BotScore), strconv.Itoa(r.TrustScore),
			r.JA4, r.UserAgent,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
