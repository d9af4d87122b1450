package partner

import "time"

// MaintenanceWindow: еженедельное окно, когда партнёрский API недоступен.
// Start/End: смещения от полуночи в Location; End может быть меньше Start (окно через полночь).
type MaintenanceWindow struct {
	Weekday  time.Weekday
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

func (w MaintenanceWindow) IsZero() bool {
	return w.Start == 0 && w.End == 0
}

func (w MaintenanceWindow) Contains(t time.Time) bool {
	if w.IsZero() {
		return false
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	offset := lt.Sub(midnight)

	if w.Start < w.End {
		return lt.Weekday() == w.Weekday && offset >= w.Start && offset < w.End
	}
	// окно переходит через полночь
	if lt.Weekday() == w.Weekday && offset >= w.Start {
		return true
	}
	next := (w.Weekday + 1) % 7
	return lt.Weekday() == next && offset < w.End
}
