package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type memStore struct {
	calendars []models.Calendar
	windows   []models.AvailabilityWindow
	bookings  []models.Booking
	events    map[string]string
}

func (m *memStore) ListCalendars(_ context.Context, accountID string) ([]models.Calendar, error) {
	var out []models.Calendar
	for _, c := range m.calendars {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ListAvailability(_ context.Context, calendarID string) ([]models.AvailabilityWindow, error) {
	var out []models.AvailabilityWindow
	for _, w := range m.windows {
		if w.CalendarID == calendarID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) ListBookings(_ context.Context, calendarID string, from, to time.Time) ([]models.Booking, error) {
	var out []models.Booking
	for _, b := range m.bookings {
		if b.CalendarID == calendarID && b.StartsAt.Before(to) && from.Before(b.EndsAt) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) InsertBookingIfFree(_ context.Context, b *models.Booking) error {
	for _, x := range m.bookings {
		if x.CalendarID == b.CalendarID && x.StartsAt.Before(b.EndsAt) && b.StartsAt.Before(x.EndsAt) {
			return fmt.Errorf("booking %s: %w", x.ID, models.ErrSlotConflict)
		}
	}
	b.ID = fmt.Sprintf("bk_%d", len(m.bookings)+1)
	m.bookings = append(m.bookings, *b)
	return nil
}

func (m *memStore) SetBookingEvent(_ context.Context, bookingID, link, eventID string) error {
	if m.events == nil {
		m.events = map[string]string{}
	}
	m.events[bookingID] = link + "|" + eventID
	return nil
}

func (m *memStore) DeleteBooking(_ context.Context, bookingID string) error {
	for i, b := range m.bookings {
		if b.ID == bookingID {
			m.bookings = append(m.bookings[:i], m.bookings[i+1:]...)
			return nil
		}
	}
	return models.ErrNotFound
}

type fakeExternal struct {
	busy      []models.Slot
	createErr error
	created   []Event
	deleted   []string
	onCreate  func()
}

func (f *fakeExternal) Busy(context.Context, models.Calendar, time.Time, time.Time) ([]models.Slot, error) {
	return f.busy, nil
}

func (f *fakeExternal) CreateEvent(_ context.Context, _ models.Calendar, ev Event) (CreatedEvent, error) {
	if f.createErr != nil {
		return CreatedEvent{}, f.createErr
	}
	f.created = append(f.created, ev)
	if f.onCreate != nil {
		f.onCreate()
	}
	return CreatedEvent{ID: "evt_1", MeetingLink: "https://meet.google.com/abc-defg-hij"}, nil
}

func (f *fakeExternal) DeleteEvent(_ context.Context, _ models.Calendar, eventID string) error {
	f.deleted = append(f.deleted, eventID)
	return nil
}

// Monday 2025-03-10 08:00 UTC.
var monday = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func newFixture(provider models.CalendarProvider) *memStore {
	cal := models.Calendar{
		ID: "cal_1", AccountID: "acc_1", Name: "Agenda Dra. Ana", Provider: provider,
		Timezone: "UTC", SlotMinutes: 60, MinLeadMinutes: 60, MaxDaysAhead: 7,
	}
	if provider == models.CalendarGoogle {
		cal.ExternalID = "ana@example.com"
	}
	return &memStore{
		calendars: []models.Calendar{cal},
		windows: []models.AvailabilityWindow{
			{CalendarID: "cal_1", Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 12 * 60},
			{CalendarID: "cal_1", Weekday: time.Tuesday, StartMinute: 14 * 60, EndMinute: 16 * 60},
		},
	}
}

func starts(slots []models.Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Start.Format("2006-01-02 15:04")
	}
	return out
}

func TestCheckAvailabilityExcludesBookings(t *testing.T) {
	st := newFixture(models.CalendarInternal)
	st.bookings = []models.Booking{{ID: "bk_0", CalendarID: "cal_1",
		StartsAt: monday.Add(2 * time.Hour), EndsAt: monday.Add(3 * time.Hour)}}
	svc := NewService(st, WithClock(func() time.Time { return monday }))

	res := svc.CheckAvailability(context.Background(), CheckRequest{AccountID: "acc_1", Calendar: "dra ana", Day: "2025-03-10"})
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []string{"2025-03-10 09:00", "2025-03-10 11:00"}, starts(res.Slots))
}

func TestCheckAvailabilityWholeWindow(t *testing.T) {
	st := newFixture(models.CalendarInternal)
	svc := NewService(st, WithClock(func() time.Time { return monday.Add(90 * time.Minute) }), WithMaxSlots(4))

	res := svc.CheckAvailability(context.Background(), CheckRequest{AccountID: "acc_1"})
	require.True(t, res.OK, res.Message)
	// 09:30 plus one hour of lead time leaves only the 11:00 slot on Monday.
	assert.Equal(t, []string{"2025-03-10 11:00", "2025-03-11 14:00", "2025-03-11 15:00", "2025-03-17 09:00"}, starts(res.Slots))
}

func TestCheckAvailabilityRejectsFarDay(t *testing.T) {
	svc := NewService(newFixture(models.CalendarInternal), WithClock(func() time.Time { return monday }))
	res := svc.CheckAvailability(context.Background(), CheckRequest{AccountID: "acc_1", Day: "2025-04-30"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "outside the bookable window")

	res = svc.CheckAvailability(context.Background(), CheckRequest{AccountID: "acc_1", Day: "amanhã talvez"})
	assert.False(t, res.OK)
}

func TestCheckAvailabilityUnknownCalendar(t *testing.T) {
	svc := NewService(newFixture(models.CalendarInternal), WithClock(func() time.Time { return monday }))
	res := svc.CheckAvailability(context.Background(), CheckRequest{AccountID: "acc_1", Calendar: "Financeiro"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "Agenda Dra. Ana")
}

func TestBookConflictDoesNotCreateEvent(t *testing.T) {
	st := newFixture(models.CalendarGoogle)
	st.bookings = []models.Booking{{ID: "bk_0", CalendarID: "cal_1",
		StartsAt: monday.Add(2 * time.Hour), EndsAt: monday.Add(3 * time.Hour)}}
	ext := &fakeExternal{}
	svc := NewService(st, WithExternal(ext), WithClock(func() time.Time { return monday }))

	res := svc.Book(context.Background(), BookRequest{AccountID: "acc_1", ContactName: "Maria", Start: "2025-03-10 10:00"})
	assert.False(t, res.OK)
	assert.True(t, res.Conflict)
	assert.Contains(t, res.Message, "already booked")
	assert.Empty(t, ext.created)
	assert.Len(t, st.bookings, 1)
}

func TestBookExternalBusyConflict(t *testing.T) {
	st := newFixture(models.CalendarGoogle)
	ext := &fakeExternal{busy: []models.Slot{{Start: monday.Add(90 * time.Minute), End: monday.Add(150 * time.Minute)}}}
	svc := NewService(st, WithExternal(ext), WithClock(func() time.Time { return monday }))

	res := svc.Book(context.Background(), BookRequest{AccountID: "acc_1", Start: "2025-03-10 10:00"})
	assert.True(t, res.Conflict)
	assert.Empty(t, st.bookings)
}

func TestBookCreatesEventWithMeetingLink(t *testing.T) {
	st := newFixture(models.CalendarGoogle)
	ext := &fakeExternal{}
	svc := NewService(st, WithExternal(ext), WithClock(func() time.Time { return monday }))

	res := svc.Book(context.Background(), BookRequest{AccountID: "acc_1", ContactID: "ct_1", ContactName: "Maria", Start: "10/03/2025 11:00"})
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "https://meet.google.com/abc-defg-hij", res.MeetingLink)
	require.Len(t, ext.created, 1)
	assert.Equal(t, "Reunião Maria", ext.created[0].Summary)
	assert.Equal(t, res.BookingID, ext.created[0].RequestID)
	assert.Equal(t, "https://meet.google.com/abc-defg-hij|evt_1", st.events[res.BookingID])
}

func TestBookRollsBackWhenExternalFails(t *testing.T) {
	st := newFixture(models.CalendarGoogle)
	ext := &fakeExternal{createErr: errors.New("quota exceeded")}
	svc := NewService(st, WithExternal(ext), WithClock(func() time.Time { return monday }))

	res := svc.Book(context.Background(), BookRequest{AccountID: "acc_1", Start: "2025-03-10 11:00"})
	assert.False(t, res.OK)
	assert.Empty(t, st.bookings)
}

func TestBookValidation(t *testing.T) {
	svc := NewService(newFixture(models.CalendarInternal), WithClock(func() time.Time { return monday }))
	ctx := context.Background()

	tests := []struct {
		start string
		want  string
	}{
		{"2025-03-10 08:30", "too soon"},
		{"2025-03-10 12:00", "outside the calendar's opening hours"},
		{"2025-03-10 11:30", "outside the calendar's opening hours"},
		{"2025-03-25 09:00", "beyond the bookable window"},
		{"2025-03-10", "could not understand"},
	}
	for _, tt := range tests {
		res := svc.Book(ctx, BookRequest{AccountID: "acc_1", Start: tt.start})
		assert.False(t, res.OK, tt.start)
		assert.Contains(t, res.Message, tt.want, tt.start)
	}

	res := svc.Book(ctx, BookRequest{AccountID: "acc_1", Start: "2025-03-11 14:00"})
	assert.True(t, res.OK, res.Message)
	assert.Empty(t, res.MeetingLink)
}

func TestExternalCalendarWithoutWeeklyTable(t *testing.T) {
	st := newFixture(models.CalendarGoogle)
	st.windows = nil
	ext := &fakeExternal{busy: []models.Slot{{Start: monday.Add(2 * time.Hour), End: monday.Add(4 * time.Hour)}}}
	svc := NewService(st, WithExternal(ext), WithClock(func() time.Time { return monday }))
	ctx := context.Background()

	res := svc.CheckAvailability(ctx, CheckRequest{AccountID: "acc_1", Day: "2025-03-10"})
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []string{
		"2025-03-10 09:00", "2025-03-10 12:00", "2025-03-10 13:00", "2025-03-10 14:00",
		"2025-03-10 15:00", "2025-03-10 16:00", "2025-03-10 17:00",
	}, starts(res.Slots))

	res = svc.CheckAvailability(ctx, CheckRequest{AccountID: "acc_1", Day: "2025-03-15"})
	require.True(t, res.OK, res.Message)
	assert.Empty(t, res.Slots, "saturday is outside the default hours")

	booked := svc.Book(ctx, BookRequest{AccountID: "acc_1", Start: "2025-03-11 03:00"})
	assert.False(t, booked.OK)
	assert.Contains(t, booked.Message, "outside the calendar's opening hours")
	assert.Empty(t, ext.created)

	booked = svc.Book(ctx, BookRequest{AccountID: "acc_1", Start: "2025-03-11 15:00"})
	assert.True(t, booked.OK, booked.Message)
}

func TestInternalCalendarWithoutWeeklyTableHasNoHours(t *testing.T) {
	st := newFixture(models.CalendarInternal)
	st.windows = nil
	svc := NewService(st, WithClock(func() time.Time { return monday }))

	res := svc.Book(context.Background(), BookRequest{AccountID: "acc_1", Start: "2025-03-11 10:00"})
	assert.False(t, res.OK)
	assert.Empty(t, st.bookings)
}

func TestBookHonorsCanceledContext(t *testing.T) {
	st := newFixture(models.CalendarGoogle)
	ext := &fakeExternal{}
	svc := NewService(st, WithExternal(ext), WithClock(func() time.Time { return monday }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := svc.Book(ctx, BookRequest{AccountID: "acc_1", Start: "2025-03-10 11:00"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "interrupted")
	assert.Empty(t, st.bookings)
	assert.Empty(t, ext.created)
}

func TestBookRollsBackWhenCanceledDuringEventCreation(t *testing.T) {
	st := newFixture(models.CalendarGoogle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ext := &fakeExternal{onCreate: cancel}
	svc := NewService(st, WithExternal(ext), WithClock(func() time.Time { return monday }))

	res := svc.Book(ctx, BookRequest{AccountID: "acc_1", Start: "2025-03-10 11:00"})
	assert.False(t, res.OK)
	assert.Empty(t, st.bookings)
	assert.Equal(t, []string{"evt_1"}, ext.deleted)
}

func TestDaylightSavingSlotsKeepWallClock(t *testing.T) {
	st := newFixture(models.CalendarInternal)
	st.calendars[0].Timezone = "America/New_York"
	st.windows = []models.AvailabilityWindow{{CalendarID: "cal_1", Weekday: time.Sunday, StartMinute: 9 * 60, EndMinute: 11 * 60}}
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	svc := NewService(st, WithClock(func() time.Time { return time.Date(2025, 3, 8, 12, 0, 0, 0, ny) }))

	res := svc.CheckAvailability(context.Background(), CheckRequest{AccountID: "acc_1", Day: "2025-03-09"})
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []string{"2025-03-09 09:00", "2025-03-09 10:00"}, starts(res.Slots))
}

func TestParseClock(t *testing.T) {
	for in, want := range map[string][2]int{"14:30": {14, 30}, "14h30": {14, 30}, "9h": {9, 0}, "7": {7, 0}} {
		h, m, err := ParseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, [2]int{h, m}, in)
	}
	for _, in := range []string{"", "25:00", "10:75", "abc"} {
		_, _, err := ParseClock(in)
		assert.Error(t, err, in)
	}
}

func TestGoogleAdapter(t *testing.T) {
	var inserted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/freeBusy"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"calendars": map[string]any{
					"ana@example.com": map[string]any{
						"busy": []map[string]string{{"start": "2025-03-10T10:00:00Z", "end": "2025-03-10T11:00:00Z"}},
					},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/events") && r.Method == http.MethodPost:
			assert.Equal(t, "1", r.URL.Query().Get("conferenceDataVersion"))
			_ = json.NewDecoder(r.Body).Decode(&inserted)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "evt_42", "hangoutLink": "https://meet.google.com/xyz"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	g, err := NewGoogle(ctx, option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	cal := newFixture(models.CalendarGoogle).calendars[0]

	busy, err := g.Busy(ctx, cal, monday, monday.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.True(t, busy[0].Start.Equal(monday.Add(2*time.Hour)))

	created, err := g.CreateEvent(ctx, cal, Event{Summary: "Reunião", Start: monday.Add(time.Hour), End: monday.Add(2 * time.Hour), RequestID: "bk_1"})
	require.NoError(t, err)
	assert.Equal(t, "evt_42", created.ID)
	assert.Equal(t, "https://meet.google.com/xyz", created.MeetingLink)
	assert.Equal(t, "Reunião", inserted["summary"])

	require.NoError(t, g.DeleteEvent(ctx, cal, "evt_42"))
}
