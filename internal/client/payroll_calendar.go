package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// PayrollCalendarClient asks the payroll service for the next deduction
// cycle. Calls are rate limited so an expiry sweep cannot flood payroll.
type PayrollCalendarClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// PayrollOptions configures PayrollCalendarClient.
type PayrollOptions struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// NewPayrollCalendarClient creates a new payroll calendar client.
func NewPayrollCalendarClient(opts PayrollOptions) *PayrollCalendarClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &PayrollCalendarClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
	}
}

// NextCycleResponse is the payroll service response.
type NextCycleResponse struct {
	CycleDate string `json:"cycle_date"`
}

// NextDeductionCycle implements service.PayrollCalendar.
func (c *PayrollCalendarClient) NextDeductionCycle(ctx context.Context, from time.Time) (time.Time, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return time.Time{}, eris.Wrap(err, "payroll: rate limiter wait")
	}

	u := fmt.Sprintf("%s/api/v1/payroll/next-cycle?from=%s", c.baseURL, url.QueryEscape(from.UTC().Format(time.DateOnly)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "payroll: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "payroll: request next cycle")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, eris.Errorf("payroll: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out NextCycleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, eris.Wrap(err, "payroll: decode response")
	}
	date, err := time.Parse(time.DateOnly, out.CycleDate)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "payroll: invalid cycle date %q", out.CycleDate)
	}
	if date.Before(truncateDay(from)) {
		return time.Time{}, eris.Errorf("payroll: cycle date %s is before %s", out.CycleDate, from.Format(time.DateOnly))
	}
	return date, nil
}

// FixedDayCalendar schedules deductions on a fixed day of the month. Used
// when no payroll service is configured.
type FixedDayCalendar struct {
	PayDay int
}

// NextDeductionCycle returns the first pay day strictly after from's date.
// Pay days past the end of a short month fall on its last day.
func (c FixedDayCalendar) NextDeductionCycle(_ context.Context, from time.Time) (time.Time, error) {
	if c.PayDay < 1 || c.PayDay > 31 {
		return time.Time{}, eris.Errorf("payroll: pay day %d out of range", c.PayDay)
	}
	day := truncateDay(from)
	candidate := payDayIn(day.Year(), day.Month(), c.PayDay)
	if !candidate.After(day) {
		candidate = payDayIn(day.Year(), day.Month()+1, c.PayDay)
	}
	return candidate, nil
}

func payDayIn(year int, month time.Month, payDay int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if payDay > last {
		payDay = last
	}
	return time.Date(first.Year(), first.Month(), payDay, 0, 0, 0, 0, time.UTC)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
