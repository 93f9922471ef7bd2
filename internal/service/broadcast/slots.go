package broadcast

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/robfig/cron/v3"
)

// NextSlot returns the earliest active weekly slot strictly after now, evaluated in loc.
// Nil means no slot is active.
func NextSlot(now time.Time, slots []model.TimeSlot, loc *time.Location) (*time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	var best *time.Time
	for _, s := range slots {
		if !s.Active {
			continue
		}
		spec, err := slotSpec(s)
		if err != nil {
			return nil, err
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", s.ID, err)
		}
		next := sched.Next(now.In(loc))
		if best == nil || next.Before(*best) {
			best = &next
		}
	}
	return best, nil
}

func slotSpec(s model.TimeSlot) (string, error) {
	if s.Weekday < 0 || s.Weekday > 6 {
		return "", fmt.Errorf("slot %d: weekday %d out of range", s.ID, s.Weekday)
	}
	hh, mm, ok := strings.Cut(strings.TrimSpace(s.TimeOfDay), ":")
	if !ok {
		return "", fmt.Errorf("slot %d: time %q is not HH:MM", s.ID, s.TimeOfDay)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("slot %d: bad hour in %q", s.ID, s.TimeOfDay)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("slot %d: bad minute in %q", s.ID, s.TimeOfDay)
	}
	return fmt.Sprintf("%d %d * * %d", m, h, s.Weekday), nil
}
