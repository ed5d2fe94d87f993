package httpapi

import (
	"fmt"
	"time"

	"github.com/example/commute-matching/internal/models"
)

type pointRequest struct {
	Lat *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lon *float64 `json:"lon" validate:"required,min=-180,max=180"`
}

type scheduleRequest struct {
	DepartureTime string   `json:"departure_time" validate:"required"`
	ReturnTime    string   `json:"return_time" validate:"required"`
	DaysOfWeek    []string `json:"days_of_week" validate:"required,min=1,max=7,dive,required"`
}

type participantRequest struct {
	Alias       string          `json:"alias" validate:"omitempty,max=64"`
	Home        pointRequest    `json:"home"`
	Destination pointRequest    `json:"destination"`
	Schedule    scheduleRequest `json:"schedule"`
}

func (p pointRequest) toModel() models.Coord {
	return models.Coord{Lat: *p.Lat, Lon: *p.Lon}
}

func (s scheduleRequest) toModel() (models.Schedule, error) {
	dep, err := models.ParseClockTime(s.DepartureTime)
	if err != nil {
		return models.Schedule{}, err
	}
	ret, err := models.ParseClockTime(s.ReturnTime)
	if err != nil {
		return models.Schedule{}, err
	}
	days := make([]time.Weekday, 0, len(s.DaysOfWeek))
	for _, name := range s.DaysOfWeek {
		d, err := models.ParseWeekday(name)
		if err != nil {
			return models.Schedule{}, err
		}
		days = append(days, d)
	}
	return models.Schedule{Departure: dep, Return: ret, Days: days}, nil
}

// toModel converts the request after struct validation has run, so the
// coordinate pointers are non-nil.
func (r participantRequest) toModel() (models.Participant, error) {
	sched, err := r.Schedule.toModel()
	if err != nil {
		return models.Participant{}, err
	}
	p := models.Participant{
		Alias:       r.Alias,
		Home:        r.Home.toModel(),
		Destination: r.Destination.toModel(),
		Schedule:    sched,
	}
	if err := sched.Validate(); err != nil {
		return models.Participant{}, err
	}
	if err := p.Home.Validate(); err != nil {
		return models.Participant{}, fmt.Errorf("home: %w", err)
	}
	if err := p.Destination.Validate(); err != nil {
		return models.Participant{}, fmt.Errorf("destination: %w", err)
	}
	return p, nil
}

type scheduleResponse struct {
	DepartureTime string   `json:"departure_time"`
	ReturnTime    string   `json:"return_time"`
	DaysOfWeek    []string `json:"days_of_week"`
}

// participantResponse is the public profile; it never carries credentials.
type participantResponse struct {
	ID          string           `json:"id"`
	Alias       string           `json:"alias"`
	Home        models.Coord     `json:"home"`
	Destination models.Coord     `json:"destination"`
	Schedule    scheduleResponse `json:"schedule"`
}

func toParticipantResponse(p models.Participant) participantResponse {
	days := make([]string, 0, len(p.Schedule.Days))
	for _, d := range p.Schedule.Days {
		days = append(days, d.String())
	}
	return participantResponse{
		ID:          p.ID,
		Alias:       p.Alias,
		Home:        p.Home,
		Destination: p.Destination,
		Schedule: scheduleResponse{
			DepartureTime: p.Schedule.Departure.String(),
			ReturnTime:    p.Schedule.Return.String(),
			DaysOfWeek:    days,
		},
	}
}

type matchesResponse struct {
	Matches []models.MatchCandidate `json:"matches"`
}

type errorResponse struct {
	Error string `json:"error"`
}
