package charges

import (
	"time"

	"github.com/stakevrun/fee/internal/beacon"
	"github.com/stakevrun/fee/internal/domain/model"
)

const secondsPerDay = 86_400

// Toggle is one enable/disable event for a validator, in timestamp
// order.
type Toggle struct {
	Enabled   bool
	Timestamp uint64
}

// Intervals turns an ordered toggle stream plus the validator's
// activation/exit window into merged calendar-day charge intervals.
//
// The stream must start with an enable and alternate strictly with
// strictly increasing timestamps; anything else indicates a corrupted
// upstream log and fails with an integrity error rather than being
// patched over. An interval still open at the end of the stream is
// closed at now.
func Intervals(window beacon.Window, toggles []Toggle, now uint64) ([]model.ChargeInterval, error) {
	var intervals []model.ChargeInterval

	enabled := false
	var enabledAt uint64
	var prevTimestamp uint64

	for i, t := range toggles {
		if i > 0 && t.Timestamp <= prevTimestamp {
			return nil, model.Integrityf(
				"toggle timestamps out of order: %d after %d", t.Timestamp, prevTimestamp)
		}
		if t.Enabled == enabled {
			return nil, model.Integrityf(
				"non-alternating toggle stream: enabled=%v twice at %d", t.Enabled, t.Timestamp)
		}
		prevTimestamp = t.Timestamp

		if t.Enabled {
			enabled = true
			enabledAt = t.Timestamp
			continue
		}
		enabled = false
		if iv, ok := clip(window, enabledAt, t.Timestamp); ok {
			intervals = append(intervals, iv)
		}
	}

	if enabled {
		if iv, ok := clip(window, enabledAt, now); ok {
			intervals = append(intervals, iv)
		}
	}

	return merge(intervals), nil
}

// clip bounds a candidate interval to the validator's window and
// converts it to whole UTC calendar days. Empty intervals are dropped.
func clip(window beacon.Window, start, end uint64) (model.ChargeInterval, bool) {
	if start < window.ActivationTime {
		start = window.ActivationTime
	}
	if end > window.ExitTime {
		end = window.ExitTime
	}
	if end < start {
		return model.ChargeInterval{}, false
	}

	firstDay := start / secondsPerDay
	lastDay := end / secondsPerDay
	return model.ChargeInterval{
		StartTime: start,
		EndTime:   end,
		FirstDay:  formatDay(firstDay),
		LastDay:   formatDay(lastDay),
		NumDays:   lastDay - firstDay + 1,
	}, true
}

// merge collapses runs of intervals on the same or consecutive calendar
// days: a shared boundary day is charged once, and back-to-back days
// form a single interval. Only a gap of at least one uncharged day
// starts a new interval.
func merge(intervals []model.ChargeInterval) []model.ChargeInterval {
	if len(intervals) == 0 {
		return []model.ChargeInterval{}
	}

	out := []model.ChargeInterval{intervals[0]}
	for _, iv := range intervals[1:] {
		last := &out[len(out)-1]
		lastDay := last.EndTime / secondsPerDay
		firstDay := iv.StartTime / secondsPerDay
		switch firstDay {
		case lastDay:
			last.EndTime = iv.EndTime
			last.LastDay = iv.LastDay
			last.NumDays += iv.NumDays - 1
		case lastDay + 1:
			last.EndTime = iv.EndTime
			last.LastDay = iv.LastDay
			last.NumDays += iv.NumDays
		default:
			out = append(out, iv)
		}
	}
	return out
}

func formatDay(dayIndex uint64) string {
	return time.Unix(int64(dayIndex*secondsPerDay), 0).UTC().Format("2006-01-02")
}
