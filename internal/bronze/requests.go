package bronze

import (
	"net/url"
	"strings"
	"time"

	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/rawstore"
)

// BuildRequests expands a recipe into runnable fetch requests: one per key
// for per-key recipes, exactly one with an empty key for global recipes.
// Each request gets a fresh file id; date windows use the recipe cadence and
// are later tightened per identity by the coordinator's watermark lookup.
func BuildRequests(recipe domain.Recipe, runID string, ingestionDate time.Time, keys []string, lookbackDays int) []domain.FetchRequest {
	from, to := defaultWindow(recipe, ingestionDate, lookbackDays)

	build := func(key string) domain.FetchRequest {
		return domain.FetchRequest{
			Recipe:        recipe,
			RunID:         runID,
			FileID:        rawstore.NewFileID(),
			IngestionDate: ingestionDate,
			FromDate:      from,
			ToDate:        to,
			Key:           key,
		}
	}

	if !recipe.PerKey {
		return []domain.FetchRequest{build("")}
	}

	requests := make([]domain.FetchRequest, 0, len(keys))
	for _, key := range keys {
		requests = append(requests, build(key))
	}
	return requests
}

// defaultWindow resolves the recipe's date window. Interval recipes look
// back a rolling number of days; calendar recipes cover the current year so
// fixed reporting periods are always fully included.
func defaultWindow(recipe domain.Recipe, ingestionDate time.Time, lookbackDays int) (time.Time, time.Time) {
	to := ingestionDate.AddDate(0, 0, -1) // yesterday: today's data is still moving
	switch recipe.Cadence {
	case domain.CadenceCalendar:
		return time.Date(ingestionDate.Year(), 1, 1, 0, 0, 0, 0, time.UTC), to
	default:
		return ingestionDate.AddDate(0, 0, -lookbackDays), to
	}
}

// templateValues carries the run-scoped values query templates may refer to.
type templateValues struct {
	Ticker       string
	FromDate     time.Time
	ToDate       time.Time
	OneMonthBack time.Time
	Limit        string
	Period       string
	APIKey       string
}

// resolveTemplate substitutes the named placeholders a recipe template may
// use: {ticker}, {from_date}, {to_date}, {one_month_back}, {limit}, {period}
// and {apikey}.
func resolveTemplate(tmpl string, v templateValues) string {
	replacer := strings.NewReplacer(
		"{ticker}", v.Ticker,
		"{from_date}", v.FromDate.Format(domain.DateLayout),
		"{to_date}", v.ToDate.Format(domain.DateLayout),
		"{one_month_back}", v.OneMonthBack.Format(domain.DateLayout),
		"{limit}", v.Limit,
		"{period}", v.Period,
		"{apikey}", v.APIKey,
	)
	return replacer.Replace(tmpl)
}

// buildURL resolves the full request URL and returns it together with the
// redacted query map that goes into the stored payload.
func buildURL(baseURL string, req *domain.FetchRequest, v templateValues) (string, map[string]string) {
	path := resolveTemplate(req.Recipe.Path, v)

	query := url.Values{}
	redacted := make(map[string]string, len(req.Recipe.Query))
	for name, tmpl := range req.Recipe.Query {
		value := resolveTemplate(tmpl, v)
		query.Set(name, value)
		if strings.Contains(tmpl, "{apikey}") {
			redacted[name] = "[redacted]"
		} else {
			redacted[name] = value
		}
	}

	full := strings.TrimSuffix(baseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		full += "?" + encoded
	}
	return full, redacted
}
