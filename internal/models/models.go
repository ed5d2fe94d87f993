package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Coord is a latitude/longitude pair in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the coordinate ranges.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return fmt.Errorf("%w: coordinates must be numbers", ErrInvalidPoint)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: lat %v out of [-90,90]", ErrInvalidPoint, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: lon %v out of [-180,180]", ErrInvalidPoint, c.Lon)
	}
	return nil
}

// ClockTime is a wall-clock time of day expressed in minutes after midnight.
// No timezone is attached; two ClockTimes are compared as opaque local times.
type ClockTime int

// ParseClockTime parses "HH:MM" in 24h form.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: time of day %q must be HH:MM", ErrInvalidSchedule, s)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) Valid() bool { return c >= 0 && c < 24*60 }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

func (c ClockTime) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseWeekday accepts full English day names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidSchedule, s)
}

// Schedule is a recurring weekly commute.
type Schedule struct {
	Departure ClockTime      `json:"departure_time"`
	Return    ClockTime      `json:"return_time"`
	Days      []time.Weekday `json:"days_of_week"`
}

// Validate rejects empty or duplicated weekday sets and out-of-range times.
func (s Schedule) Validate() error {
	if !s.Departure.Valid() || !s.Return.Valid() {
		return fmt.Errorf("%w: time of day out of range", ErrInvalidSchedule)
	}
	if len(s.Days) == 0 {
		return fmt.Errorf("%w: at least one weekday is required", ErrInvalidSchedule)
	}
	var seen [7]bool
	for _, d := range s.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidSchedule, d)
		}
		if seen[d] {
			return fmt.Errorf("%w: duplicate weekday %s", ErrInvalidSchedule, d)
		}
		seen[d] = true
	}
	return nil
}

// DaySet returns the weekdays as a bitmask, bit i set for time.Weekday(i).
func (s Schedule) DaySet() uint8 {
	var m uint8
	for _, d := range s.Days {
		m |= 1 << uint(d)
	}
	return m
}

// Participant is a commuter with one home, one destination and one schedule.
// Alias is the only field meant for display to other participants.
type Participant struct {
	ID          string   `json:"id"`
	Alias       string   `json:"alias"`
	Home        Coord    `json:"home"`
	Destination Coord    `json:"destination"`
	Schedule    Schedule `json:"schedule"`
}

func (p Participant) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidParticipant)
	}
	if err := p.Home.Validate(); err != nil {
		return fmt.Errorf("home: %w", err)
	}
	if err := p.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	return p.Schedule.Validate()
}

// MatchCandidate is one ranked result of a match query.
type MatchCandidate struct {
	ParticipantID string  `json:"participant_id"`
	Alias         string  `json:"alias"`
	HomeDistanceM float64 `json:"home_distance_m"`
	DestDistanceM float64 `json:"destination_distance_m"`
	ScheduleScore float64 `json:"schedule_score"`
}

// TotalDistance is the tie-break key when scores are equal.
func (m MatchCandidate) TotalDistance() float64 { return m.HomeDistanceM + m.DestDistanceM }

type EventType string

const (
	EventUpserted EventType = "upserted"
	EventRemoved  EventType = "removed"
)

// ParticipantEvent announces a committed registry change. Source identifies
// the instance that made the change so it can skip its own events.
type ParticipantEvent struct {
	Type          EventType    `json:"type"`
	ParticipantID string       `json:"participant_id"`
	Participant   *Participant `json:"participant,omitempty"`
	Source        string       `json:"source"`
	At            time.Time    `json:"at"`
}
