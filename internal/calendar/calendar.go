// Package calendar computes free slots and books appointments for CRMPipe calendars.
//
// A calendar's free time is its weekly availability table minus internal bookings and, for
// calendars backed by an external provider, minus the provider's busy intervals. Booking
// re-validates the chosen slot against all of them before committing, and never overwrites
// an existing booking.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
)

// DefaultMaxSlots caps the slots returned by one availability check.
const DefaultMaxSlots = 12

// DefaultWorkingHours are the candidate hours of an external calendar that has no weekly table:
// Monday to Friday, 09:00 to 18:00 in the calendar's timezone.
var DefaultWorkingHours = weekdays(9*60, 18*60)

func weekdays(startMinute, endMinute int) []models.AvailabilityWindow {
	out := make([]models.AvailabilityWindow, 0, 5)
	for d := time.Monday; d <= time.Friday; d++ {
		out = append(out, models.AvailabilityWindow{Weekday: d, StartMinute: startMinute, EndMinute: endMinute})
	}
	return out
}

// Store is the persistence the calendar service needs.
type Store interface {
	ListCalendars(ctx context.Context, accountID string) ([]models.Calendar, error)
	ListAvailability(ctx context.Context, calendarID string) ([]models.AvailabilityWindow, error)
	ListBookings(ctx context.Context, calendarID string, from, to time.Time) ([]models.Booking, error)
	InsertBookingIfFree(ctx context.Context, b *models.Booking) error
	SetBookingEvent(ctx context.Context, bookingID, meetingLink, externalEventID string) error
	DeleteBooking(ctx context.Context, bookingID string) error
}

// Event is an appointment to create on an external calendar.
type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	RequestID   string // idempotency key for the conference request
}

// CreatedEvent is the external calendar's view of a created event.
type CreatedEvent struct {
	ID          string
	MeetingLink string
}

// External is a calendar provider holding busy intervals and events.
type External interface {
	Busy(ctx context.Context, cal models.Calendar, from, to time.Time) ([]models.Slot, error)
	CreateEvent(ctx context.Context, cal models.Calendar, ev Event) (CreatedEvent, error)
	DeleteEvent(ctx context.Context, cal models.Calendar, eventID string) error
}

// Opts holds configuration options for the Service.
type Opts struct {
	External External
	Resolver resolve.NameResolver
	MaxSlots int
	Now      func() time.Time
}

// Option defines a configuration option for the Service.
type Option func(*Opts)

// WithExternal sets the provider used by calendars whose provider is not internal.
func WithExternal(e External) Option {
	return func(o *Opts) { o.External = e }
}

// WithResolver overrides the calendar name resolver.
func WithResolver(r resolve.NameResolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// WithMaxSlots caps the slots returned by CheckAvailability.
func WithMaxSlots(n int) Option {
	return func(o *Opts) { o.MaxSlots = n }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Service answers availability checks and creates bookings.
type Service struct {
	store    Store
	external External
	resolver resolve.NameResolver
	maxSlots int
	now      func() time.Time
}

// NewService creates a calendar Service.
func NewService(store Store, opts ...Option) *Service {
	cfg := Opts{Resolver: resolve.New(), MaxSlots: DefaultMaxSlots, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{store: store, external: cfg.External, resolver: cfg.Resolver, maxSlots: cfg.MaxSlots, now: cfg.Now}
}

// CheckRequest asks for free slots.
type CheckRequest struct {
	AccountID string
	Calendar  string // name or ID; empty picks the account's only calendar
	Day       string // optional date; empty searches the whole lookahead window
}

// BookRequest asks to book a slot.
type BookRequest struct {
	AccountID      string
	ContactID      string
	ContactName    string
	ConversationID string
	Calendar       string
	Start          string
}

// CheckAvailability lists free slots. Failures are reported in the result, never as an error,
// so the model always observes an outcome.
func (s *Service) CheckAvailability(ctx context.Context, req CheckRequest) models.AvailabilityResult {
	cal, err := s.findCalendar(ctx, req.AccountID, req.Calendar)
	if err != nil {
		return models.AvailabilityResult{Message: err.Error()}
	}
	loc := cal.Location()
	now := s.now().In(loc)
	from, to := s.window(cal, now)

	if req.Day != "" {
		day, _, err := ParseDateTime(req.Day, loc)
		if err != nil {
			return models.AvailabilityResult{Message: fmt.Sprintf("could not understand the date %q; use YYYY-MM-DD", req.Day)}
		}
		dayStart := startOfDay(day)
		dayEnd := dayStart.AddDate(0, 0, 1)
		if dayEnd.Before(from) || !dayStart.Before(to) {
			return models.AvailabilityResult{Message: fmt.Sprintf("%s is outside the bookable window (up to %d days ahead)", dayStart.Format("2006-01-02"), cal.MaxDaysAhead)}
		}
		if dayStart.After(from) {
			from = dayStart
		}
		if dayEnd.Before(to) {
			to = dayEnd
		}
	}

	slots, err := s.freeSlots(ctx, cal, from, to)
	if err != nil {
		slog.Error("Service.CheckAvailability: free slot computation failed", "calendar", cal.ID, "error", err)
		return models.AvailabilityResult{Message: "the calendar could not be checked right now; ask the contact to wait a moment"}
	}
	if len(slots) == 0 {
		return models.AvailabilityResult{OK: true, Message: fmt.Sprintf("no free slots in %s for the requested period", cal.Name)}
	}
	if len(slots) > s.maxSlots {
		slots = slots[:s.maxSlots]
	}
	return models.AvailabilityResult{OK: true, Message: describeSlots(cal, slots), Slots: slots}
}

// Book re-validates and books a slot. Conflicts are reported with Conflict set.
func (s *Service) Book(ctx context.Context, req BookRequest) models.EventResult {
	cal, err := s.findCalendar(ctx, req.AccountID, req.Calendar)
	if err != nil {
		return models.EventResult{Message: err.Error()}
	}
	loc := cal.Location()
	start, hasTime, err := ParseDateTime(req.Start, loc)
	if err != nil || !hasTime {
		return models.EventResult{Message: fmt.Sprintf("could not understand the start time %q; use YYYY-MM-DD HH:MM", req.Start)}
	}
	end := start.Add(time.Duration(cal.SlotMinutes) * time.Minute)

	if msg := s.validateSlot(ctx, cal, start, end); msg != "" {
		return models.EventResult{Message: msg}
	}
	if conflict, err := s.externalConflict(ctx, cal, start, end); err != nil {
		slog.Error("Service.Book: external busy check failed", "calendar", cal.ID, "error", err)
		return models.EventResult{Message: "the calendar could not be checked right now; do not confirm the appointment"}
	} else if conflict {
		return conflictResult(start)
	}

	// The caller may have given up while the slot was validated; nothing is committed then.
	if err := ctx.Err(); err != nil {
		slog.Warn("Service.Book: abandoned before commit", "calendar", cal.ID, "error", err)
		return models.EventResult{Message: "the booking was interrupted; do not confirm the appointment"}
	}

	booking := models.Booking{
		CalendarID:     cal.ID,
		ContactID:      req.ContactID,
		ConversationID: req.ConversationID,
		StartsAt:       start,
		EndsAt:         end,
	}
	if err := s.store.InsertBookingIfFree(ctx, &booking); err != nil {
		if errors.Is(err, models.ErrSlotConflict) {
			return conflictResult(start)
		}
		slog.Error("Service.Book: insert booking failed", "calendar", cal.ID, "error", err)
		return models.EventResult{Message: "the appointment could not be saved; do not confirm it"}
	}

	res := models.EventResult{OK: true, BookingID: booking.ID, Start: start}
	if err := ctx.Err(); err != nil {
		s.rollback(ctx, cal, booking.ID, "")
		return models.EventResult{Message: "the booking was interrupted; do not confirm the appointment"}
	}
	if s.usesExternal(cal) {
		created, err := s.external.CreateEvent(ctx, *cal, Event{
			Summary:     strings.TrimSpace("Reunião " + req.ContactName),
			Description: "Agendado pelo assistente de atendimento.",
			Start:       start,
			End:         end,
			RequestID:   booking.ID,
		})
		if err != nil {
			slog.Error("Service.Book: external event creation failed", "calendar", cal.ID, "error", err)
			s.rollback(ctx, cal, booking.ID, "")
			return models.EventResult{Message: "the appointment could not be created on the calendar; do not confirm it"}
		}
		if err := ctx.Err(); err != nil {
			s.rollback(ctx, cal, booking.ID, created.ID)
			return models.EventResult{Message: "the booking was interrupted; do not confirm the appointment"}
		}
		if err := s.store.SetBookingEvent(ctx, booking.ID, created.MeetingLink, created.ID); err != nil {
			slog.Error("Service.Book: saving event link failed", "booking", booking.ID, "error", err)
		}
		res.MeetingLink = created.MeetingLink
	}
	res.Message = fmt.Sprintf("appointment booked in %s for %s", cal.Name, start.Format("2006-01-02 15:04"))
	if res.MeetingLink != "" {
		res.Message += "; meeting link: " + res.MeetingLink
	}
	slog.Info("Service.Book: appointment booked", "calendar", cal.ID, "booking", booking.ID, "start", start)
	return res
}

// rollback undoes a booking that must not stand, and its external event when one was created.
func (s *Service) rollback(ctx context.Context, cal *models.Calendar, bookingID, eventID string) {
	ctx = context.WithoutCancel(ctx)
	if eventID != "" {
		if err := s.external.DeleteEvent(ctx, *cal, eventID); err != nil {
			slog.Error("Service.rollback: delete external event failed", "calendar", cal.ID, "event", eventID, "error", err)
		}
	}
	if err := s.store.DeleteBooking(ctx, bookingID); err != nil {
		slog.Error("Service.rollback: delete booking failed", "booking", bookingID, "error", err)
	}
	slog.Warn("Service.rollback: booking rolled back", "calendar", cal.ID, "booking", bookingID)
}

func conflictResult(start time.Time) models.EventResult {
	return models.EventResult{
		Conflict: true,
		Message: fmt.Sprintf("the slot %s is already booked; do not confirm it, offer other times and ask the contact to confirm again",
			start.Format("2006-01-02 15:04")),
	}
}

func (s *Service) usesExternal(cal *models.Calendar) bool {
	return s.external != nil && cal.Provider != models.CalendarInternal && cal.ExternalID != ""
}

func (s *Service) findCalendar(ctx context.Context, accountID, name string) (*models.Calendar, error) {
	cals, err := s.store.ListCalendars(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("calendars could not be loaded")
	}
	if len(cals) == 0 {
		return nil, fmt.Errorf("no calendar is configured for this account")
	}
	if strings.TrimSpace(name) == "" {
		if len(cals) == 1 {
			return &cals[0], nil
		}
		return nil, fmt.Errorf("several calendars exist; name one of: %s", calendarNames(cals))
	}
	cands := make([]resolve.Candidate, len(cals))
	for i, c := range cals {
		cands[i] = resolve.Candidate{ID: c.ID, Name: c.Name}
	}
	m, err := s.resolver.Resolve(name, cands)
	if err != nil {
		return nil, fmt.Errorf("calendar %q not found; available: %s", name, calendarNames(cals))
	}
	for i := range cals {
		if cals[i].ID == m.Candidate.ID {
			return &cals[i], nil
		}
	}
	return nil, fmt.Errorf("calendar %q not found", name)
}

func calendarNames(cals []models.Calendar) string {
	names := make([]string, len(cals))
	for i, c := range cals {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

// window is the bookable range: from now plus the lead time to the end of the lookahead.
func (s *Service) window(cal *models.Calendar, now time.Time) (time.Time, time.Time) {
	from := now.Add(time.Duration(cal.MinLeadMinutes) * time.Minute)
	to := startOfDay(now).AddDate(0, 0, cal.MaxDaysAhead+1)
	return from, to
}

func (s *Service) validateSlot(ctx context.Context, cal *models.Calendar, start, end time.Time) string {
	from, to := s.window(cal, s.now().In(cal.Location()))
	if start.Before(from) {
		return fmt.Sprintf("%s is too soon; appointments need %d minutes of notice", start.Format("2006-01-02 15:04"), cal.MinLeadMinutes)
	}
	if end.After(to) {
		return fmt.Sprintf("%s is beyond the bookable window of %d days", start.Format("2006-01-02"), cal.MaxDaysAhead)
	}
	windows, err := s.openingHours(ctx, cal)
	if err != nil {
		slog.Error("Service.validateSlot: availability lookup failed", "calendar", cal.ID, "error", err)
		return "the calendar could not be checked right now; do not confirm the appointment"
	}
	if !insideWindows(windows, start, end) {
		return fmt.Sprintf("%s is outside the calendar's opening hours", start.Format("2006-01-02 15:04"))
	}
	return ""
}

// openingHours is the calendar's weekly table. An external calendar without one falls back to
// DefaultWorkingHours; its busy intervals do the rest.
func (s *Service) openingHours(ctx context.Context, cal *models.Calendar) ([]models.AvailabilityWindow, error) {
	windows, err := s.store.ListAvailability(ctx, cal.ID)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 && s.usesExternal(cal) {
		return DefaultWorkingHours, nil
	}
	return windows, nil
}

func (s *Service) externalConflict(ctx context.Context, cal *models.Calendar, start, end time.Time) (bool, error) {
	if !s.usesExternal(cal) {
		return false, nil
	}
	busy, err := s.external.Busy(ctx, *cal, start, end)
	if err != nil {
		return false, err
	}
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true, nil
		}
	}
	return false, nil
}

func insideWindows(windows []models.AvailabilityWindow, start, end time.Time) bool {
	day := startOfDay(start)
	if !startOfDay(end.Add(-time.Nanosecond)).Equal(day) {
		return false
	}
	for _, w := range windows {
		if w.Weekday != start.Weekday() {
			continue
		}
		ws := atMinute(day, w.StartMinute)
		we := atMinute(day, w.EndMinute)
		if !start.Before(ws) && !end.After(we) {
			return true
		}
	}
	return false
}

// freeSlots enumerates slot-sized intervals of the opening hours between from and to that
// overlap no internal booking and no external busy interval.
func (s *Service) freeSlots(ctx context.Context, cal *models.Calendar, from, to time.Time) ([]models.Slot, error) {
	windows, err := s.openingHours(ctx, cal)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	bookings, err := s.store.ListBookings(ctx, cal.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	busy := make([]models.Slot, 0, len(bookings))
	for _, b := range bookings {
		busy = append(busy, models.Slot{Start: b.StartsAt, End: b.EndsAt})
	}
	if s.usesExternal(cal) {
		ext, err := s.external.Busy(ctx, *cal, from, to)
		if err != nil {
			return nil, fmt.Errorf("external busy: %w", err)
		}
		busy = append(busy, ext...)
	}

	step := time.Duration(cal.SlotMinutes) * time.Minute
	if step <= 0 {
		step = 30 * time.Minute
	}
	var out []models.Slot
	for day := startOfDay(from); day.Before(to); day = day.AddDate(0, 0, 1) {
		for _, w := range windows {
			if w.Weekday != day.Weekday() {
				continue
			}
			we := atMinute(day, w.EndMinute)
			for st := atMinute(day, w.StartMinute); !st.Add(step).After(we); st = st.Add(step) {
				en := st.Add(step)
				if st.Before(from) || en.After(to) || overlapsAny(busy, st, en) {
					continue
				}
				out = append(out, models.Slot{Start: st, End: en})
			}
		}
	}
	sortSlots(out)
	return out, nil
}

// atMinute is the wall-clock time minute minutes after midnight of day, in day's location.
func atMinute(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, day.Location())
}

func overlapsAny(busy []models.Slot, start, end time.Time) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

func sortSlots(slots []models.Slot) {
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j].Start.Before(slots[j-1].Start); j-- {
			slots[j], slots[j-1] = slots[j-1], slots[j]
		}
	}
}

func describeSlots(cal *models.Calendar, slots []models.Slot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "free slots in %s (%s):", cal.Name, cal.Location())
	for _, sl := range slots {
		fmt.Fprintf(&b, " %s;", sl.Start.Format("Mon 2006-01-02 15:04"))
	}
	return strings.TrimSuffix(b.String(), ";")
}
