package analytics

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// exportLimit bounds a single export pass.
	exportLimit = 10000
)

// sortColumns whitelists the sortable columns. Anything else falls back
// to created_at.
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"email":     "email",
	"country":   "country",
	"botScore":  "bot_score",
}

// Filters is the parsed query filter set shared by the listing and export
// endpoints.
type Filters struct {
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string

	Search      string
	Countries   []string
	BotScoreMin *int
	BotScoreMax *int
	StartDate   string // inclusive, SQL-native datetime
	EndDate     string // inclusive, SQL-native datetime
	Allowed     *bool

	VerifiedBot *bool
	JSDetection *bool
	HasJA4      *bool
}

// ParseFilters reads the filter set from a query string. Unparseable
// values fall back to defaults rather than erroring: the analytics surface
// is read-only and a sloppy dashboard query should still answer.
func ParseFilters(q url.Values) Filters {
	f := Filters{
		Limit:     defaultLimit,
		SortBy:    "created_at",
		SortOrder: "DESC",
	}

	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		f.Limit = min(n, maxLimit)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		f.Offset = n
	}
	if col, ok := sortColumns[q.Get("sortBy")]; ok {
		f.SortBy = col
	}
	if strings.EqualFold(q.Get("sortOrder"), "asc") {
		f.SortOrder = "ASC"
	}

	f.Search = strings.TrimSpace(q.Get("search"))
	if raw := q.Get("countries"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
				f.Countries = append(f.Countries, c)
			}
		}
	}
	if n, err := strconv.Atoi(q.Get("botScoreMin")); err == nil {
		f.BotScoreMin = &n
	}
	if n, err := strconv.Atoi(q.Get("botScoreMax")); err == nil {
		f.BotScoreMax = &n
	}
	if d := q.Get("startDate"); isDate(d) {
		f.StartDate = d + " 00:00:00"
	}
	if d := q.Get("endDate"); isDate(d) {
		f.EndDate = d + " 23:59:59"
	}
	if v := q.Get("allowed"); v != "" {
		b := v == "true"
		f.Allowed = &b
	}
	if v := q.Get("fingerprintVerifiedBot"); v != "" {
		b := v == "true"
		f.VerifiedBot = &b
	}
	if v := q.Get("fingerprintJsDetection"); v != "" {
		b := v == "true"
		f.JSDetection = &b
	}
	if v := q.Get("fingerprintHasJa4"); v != "" {
		b := v == "true"
		f.HasJA4 = &b
	}
	return f
}

func isDate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i, r := range s {
		if i == 4 || i == 7 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// where renders the filter conditions for a table. identity controls
// whether the search term also matches the name and email columns, which
// only the submissions table has.
func (f Filters) where(identity bool) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if f.Search != "" {
		like := "%" + f.Search + "%"
		if identity {
			conds = append(conds, "(email LIKE ? OR first_name LIKE ? OR last_name LIKE ? OR remote_ip LIKE ?)")
			args = append(args, like, like, like, like)
		} else {
			conds = append(conds, "(remote_ip LIKE ? OR ephemeral_id LIKE ?)")
			args = append(args, like, like)
		}
	}
	if len(f.Countries) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Countries)), ",")
		conds = append(conds, "country IN ("+ph+")")
		for _, c := range f.Countries {
			args = append(args, c)
		}
	}
	if f.BotScoreMin != nil {
		conds = append(conds, "bot_score >= ?")
		args = append(args, *f.BotScoreMin)
	}
	if f.BotScoreMax != nil {
		conds = append(conds, "bot_score <= ?")
		args = append(args, *f.BotScoreMax)
	}
	if f.StartDate != "" {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.StartDate)
	}
	if f.EndDate != "" {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.EndDate)
	}
	if f.Allowed != nil && !identity {
		conds = append(conds, "allowed = ?")
		args = append(args, *f.Allowed)
	}
	if f.VerifiedBot != nil {
		conds = append(conds, "verified_bot = ?")
		args = append(args, *f.VerifiedBot)
	}
	if f.JSDetection != nil {
		conds = append(conds, "js_detection = ?")
		args = append(args, *f.JSDetection)
	}
	if f.HasJA4 != nil {
		if *f.HasJA4 {
			conds = append(conds, "ja4 != ''")
		} else {
			conds = append(conds, "ja4 = ''")
		}
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
