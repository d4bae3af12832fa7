package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	perrors "github.com/p-blackswan/codetime/internal/errors"
	"github.com/p-blackswan/codetime/internal/retry"
)

// DailyProject is the server-side total of one project.
type DailyProject struct {
	TimeSpentSeconds int64 `json:"timeSpentSeconds"`
	Additions        int64 `json:"additions"`
	Removals         int64 `json:"removals"`
}

// DailyTotals maps project name to its totals.
type DailyTotals map[string]DailyProject

// FetchDailyTimePerProject returns per-project totals since from. Results are
// cached briefly per key and instant. Transient failures are retried.
func (c *Client) FetchDailyTimePerProject(ctx context.Context, apiKey string, from time.Time) (DailyTotals, error) {
	if apiKey == "" {
		return nil, perrors.ErrNoAPIKey
	}
	fromParam := from.UTC().Format(time.RFC3339)
	cacheKey := apiKey + "|" + fromParam
	if cached, ok := c.daily.Get(cacheKey); ok {
		return cached, nil
	}

	path := DailyPath + "?from=" + url.QueryEscape(fromParam)
	var totals DailyTotals
	cfg := c.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying daily totals fetch")
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodGet, path, apiKey, nil)
		if err != nil {
			return err
		}
		totals, err = c.decodeDaily(body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching daily totals: %w", err)
	}

	c.daily.Add(cacheKey, totals)
	return totals, nil
}

func (c *Client) decodeDaily(body []byte) (DailyTotals, error) {
	var totals DailyTotals
	err := json.Unmarshal(body, &totals)
	if err == nil {
		if totals == nil {
			totals = DailyTotals{}
		}
		return totals, nil
	}

	// The service answers with a bare JSON string when collection stopped.
	var message string
	if json.Unmarshal(body, &message) == nil {
		if c.inspector != nil {
			c.inspector.Inspect([]byte(message))
		}
		return nil, fmt.Errorf("%w: %s", perrors.ErrCollectionStopped, message)
	}

	return nil, fmt.Errorf("%w: %v", perrors.ErrMalformedResponse, err)
}
