package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Google is an External backed by the Google Calendar v3 API.
type Google struct {
	svc *gcal.Service
}

var _ External = (*Google)(nil)

// NewGoogle creates a Google Calendar client. Pass option.WithCredentialsFile for a service
// account, or option.WithEndpoint plus option.WithoutAuthentication for tests.
func NewGoogle(ctx context.Context, opts ...option.ClientOption) (*Google, error) {
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google calendar service: %w", err)
	}
	return &Google{svc: svc}, nil
}

// Busy returns the busy intervals of cal between from and to.
func (g *Google) Busy(ctx context.Context, cal models.Calendar, from, to time.Time) ([]models.Slot, error) {
	req := &gcal.FreeBusyRequest{
		TimeMin:  from.Format(time.RFC3339),
		TimeMax:  to.Format(time.RFC3339),
		TimeZone: cal.Timezone,
		Items:    []*gcal.FreeBusyRequestItem{{Id: cal.ExternalID}},
	}
	resp, err := g.svc.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("freebusy query failed: %w", err)
	}
	fb, ok := resp.Calendars[cal.ExternalID]
	if !ok {
		return nil, fmt.Errorf("freebusy response missing calendar %s", cal.ExternalID)
	}
	if len(fb.Errors) > 0 {
		return nil, fmt.Errorf("freebusy error for calendar %s: %s", cal.ExternalID, fb.Errors[0].Reason)
	}
	slots := make([]models.Slot, 0, len(fb.Busy))
	for _, p := range fb.Busy {
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid busy start %q: %w", p.Start, err)
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, fmt.Errorf("invalid busy end %q: %w", p.End, err)
		}
		slots = append(slots, models.Slot{Start: start, End: end})
	}
	slog.Debug("Google.Busy", "calendar", cal.ExternalID, "busy", len(slots))
	return slots, nil
}

// CreateEvent inserts an event with a Google Meet conference.
func (g *Google) CreateEvent(ctx context.Context, cal models.Calendar, ev Event) (CreatedEvent, error) {
	event := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: cal.Timezone},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: cal.Timezone},
		ConferenceData: &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             ev.RequestID,
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		},
	}
	created, err := g.svc.Events.Insert(cal.ExternalID, event).ConferenceDataVersion(1).Context(ctx).Do()
	if err != nil {
		return CreatedEvent{}, fmt.Errorf("event insert failed: %w", err)
	}
	link := created.HangoutLink
	if link == "" && created.ConferenceData != nil {
		for _, ep := range created.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				link = ep.Uri
				break
			}
		}
	}
	slog.Info("Google.CreateEvent: event created", "calendar", cal.ExternalID, "event", created.Id)
	return CreatedEvent{ID: created.Id, MeetingLink: link}, nil
}

// DeleteEvent removes an event.
func (g *Google) DeleteEvent(ctx context.Context, cal models.Calendar, eventID string) error {
	if err := g.svc.Events.Delete(cal.ExternalID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("event delete failed: %w", err)
	}
	return nil
}
