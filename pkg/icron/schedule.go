package icron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @daily or @every 1h.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Next       time.Time
	Last       time.Time
	Expression string

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

// Parse validates cronExpr and returns its schedule.
func Parse(cronExpr string) (cron.Schedule, error) {
	if strings.TrimSpace(cronExpr) == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NewCron returns a cron runner that understands the same expressions as Parse.
func NewCron() *cron.Cron {
	return cron.New(cron.WithParser(parser))
}

// GetTriggerInfo reports the previous and next firing of cronExpr around refTime.
// The previous firing is searched hour by hour over the last year.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(cronExpr)
	if err != nil {
		return nil, err
	}

	nextTime := schedule.Next(refTime)

	var prevTime time.Time
	for i := range 366 * 24 {
		checkTime := refTime.Add(-time.Duration(i+1) * time.Hour)
		candidate := schedule.Next(checkTime)
		if candidate.IsZero() || candidate.After(refTime) {
			continue
		}
		// Walk forward to the latest firing not after refTime.
		for {
			following := schedule.Next(candidate)
			if following.IsZero() || following.After(refTime) {
				break
			}
			candidate = following
		}
		prevTime = candidate
		break
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       nextTime,
		Last:       prevTime,
	}
	if !prevTime.IsZero() {
		info.TimeSinceLast = refTime.Sub(prevTime)
	}
	info.TimeUntilNext = nextTime.Sub(refTime)
	return info, nil
}
