// Package automation schedules recurring agent runs. Every firing is an
// ordinary submission, so scheduled work competes for the same capacity as
// API traffic.
package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

type Frequency string

const (
	FrequencyOnce     Frequency = "once"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

const (
	DefaultTimeOfDay = "09:00"
	// onceDelay is how long after creation a one-shot automation fires.
	onceDelay = time.Minute
)

type Automation struct {
	ID         string          `json:"automation_id"`
	AgentID    string          `json:"agent_id"`
	Input      json.RawMessage `json:"input"`
	Config     json.RawMessage `json:"config,omitempty"`
	Frequency  Frequency       `json:"frequency"`
	TimeOfDay  string          `json:"time_of_day"`
	DayOfWeek  *int            `json:"day_of_week,omitempty"`
	DayOfMonth *int            `json:"day_of_month,omitempty"`
	Paused     bool            `json:"paused"`
	CreatedAt  time.Time       `json:"created_at"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	default:
		return false
	}
}

// Normalize applies defaults and validates the definition. Errors wrap
// domain.ErrInvalidInput.
func (a *Automation) Normalize() error {
	a.AgentID = strings.TrimSpace(a.AgentID)
	if a.AgentID == "" {
		return invalid("agent_id is required")
	}
	a.Frequency = Frequency(strings.ToLower(strings.TrimSpace(string(a.Frequency))))
	if !a.Frequency.Valid() {
		return invalid("frequency must be one of once, daily, weekly, biweekly, monthly")
	}
	if len(bytes.TrimSpace(a.Input)) == 0 {
		a.Input = json.RawMessage(`{}`)
	}
	if !json.Valid(a.Input) {
		return invalid("input is not valid json")
	}
	if len(a.Config) > 0 && !json.Valid(a.Config) {
		return invalid("config is not valid json")
	}

	a.TimeOfDay = strings.TrimSpace(a.TimeOfDay)
	if a.TimeOfDay == "" {
		a.TimeOfDay = DefaultTimeOfDay
	}
	if _, _, err := parseTimeOfDay(a.TimeOfDay); err != nil {
		return err
	}

	switch a.Frequency {
	case FrequencyWeekly, FrequencyBiweekly:
		if a.DayOfWeek == nil {
			return invalid("day_of_week is required for " + string(a.Frequency))
		}
		if *a.DayOfWeek < 0 || *a.DayOfWeek > 6 {
			return invalid("day_of_week must be 0-6")
		}
		a.DayOfMonth = nil
	case FrequencyMonthly:
		if a.DayOfMonth == nil {
			return invalid("day_of_month is required for monthly")
		}
		if *a.DayOfMonth < 1 || *a.DayOfMonth > 31 {
			return invalid("day_of_month must be 1-31")
		}
		a.DayOfWeek = nil
	default:
		a.DayOfWeek = nil
		a.DayOfMonth = nil
	}
	return nil
}

func parseTimeOfDay(v string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(v, ":")
	if !ok {
		return 0, 0, invalid("time_of_day must be HH:MM")
	}
	hour, herr := strconv.Atoi(h)
	minute, merr := strconv.Atoi(m)
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, invalid("time_of_day must be HH:MM")
	}
	return hour, minute, nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)
}

func (a Automation) clone() Automation {
	out := a
	out.Input = append(json.RawMessage(nil), a.Input...)
	if a.Config != nil {
		out.Config = append(json.RawMessage(nil), a.Config...)
	}
	if a.DayOfWeek != nil {
		v := *a.DayOfWeek
		out.DayOfWeek = &v
	}
	if a.DayOfMonth != nil {
		v := *a.DayOfMonth
		out.DayOfMonth = &v
	}
	out.NextRunAt = nil
	return out
}
