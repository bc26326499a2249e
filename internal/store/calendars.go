package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/util"
)

// CalendarRepo stores calendars, their weekly availability and internal bookings.
type CalendarRepo interface {
	CreateCalendar(ctx context.Context, c *models.Calendar) error
	GetCalendar(ctx context.Context, id string) (*models.Calendar, error)
	ListCalendars(ctx context.Context, accountID string) ([]models.Calendar, error)

	AddAvailability(ctx context.Context, w models.AvailabilityWindow) error
	ListAvailability(ctx context.Context, calendarID string) ([]models.AvailabilityWindow, error)

	// ListBookings returns bookings overlapping [from, to).
	ListBookings(ctx context.Context, calendarID string, from, to time.Time) ([]models.Booking, error)
	// InsertBookingIfFree inserts b unless it overlaps an existing booking of the same calendar,
	// in which case models.ErrSlotConflict is returned and nothing is written.
	InsertBookingIfFree(ctx context.Context, b *models.Booking) error
	SetBookingEvent(ctx context.Context, bookingID, meetingLink, externalEventID string) error
	DeleteBooking(ctx context.Context, bookingID string) error
}

var _ CalendarRepo = (*Store)(nil)

const calendarColumns = `id, account_id, name, provider, external_id, timezone, slot_minutes, min_lead_minutes, max_days_ahead`

func scanCalendar(row rowScanner) (models.Calendar, error) {
	var c models.Calendar
	err := row.Scan(&c.ID, &c.AccountID, &c.Name, &c.Provider, &c.ExternalID, &c.Timezone, &c.SlotMinutes, &c.MinLeadMinutes, &c.MaxDaysAhead)
	return c, err
}

func (s *Store) CreateCalendar(ctx context.Context, c *models.Calendar) error {
	if c.ID == "" {
		c.ID = util.NewID("cal_")
	}
	if c.Provider == "" {
		c.Provider = models.CalendarInternal
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.SlotMinutes <= 0 {
		c.SlotMinutes = 30
	}
	if c.MaxDaysAhead <= 0 {
		c.MaxDaysAhead = 14
	}
	_, err := s.exec(ctx,
		`INSERT INTO calendars (`+calendarColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.Name, c.Provider, c.ExternalID, c.Timezone, c.SlotMinutes, c.MinLeadMinutes, c.MaxDaysAhead,
	)
	if err != nil {
		return fmt.Errorf("create calendar failed: %w", err)
	}
	return nil
}

func (s *Store) GetCalendar(ctx context.Context, id string) (*models.Calendar, error) {
	c, err := scanCalendar(s.queryRow(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get calendar")
	}
	return &c, nil
}

func (s *Store) ListCalendars(ctx context.Context, accountID string) ([]models.Calendar, error) {
	rows, err := s.query(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list calendars failed: %w", err)
	}
	defer rows.Close()

	var out []models.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar failed: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AddAvailability(ctx context.Context, w models.AvailabilityWindow) error {
	if w.EndMinute <= w.StartMinute {
		return fmt.Errorf("availability window ends before it starts: %d-%d", w.StartMinute, w.EndMinute)
	}
	_, err := s.exec(ctx,
		`INSERT INTO availability (calendar_id, weekday, start_minute, end_minute) VALUES (?, ?, ?, ?)`,
		w.CalendarID, int(w.Weekday), w.StartMinute, w.EndMinute,
	)
	if err != nil {
		return fmt.Errorf("add availability failed: %w", err)
	}
	return nil
}

func (s *Store) ListAvailability(ctx context.Context, calendarID string) ([]models.AvailabilityWindow, error) {
	rows, err := s.query(ctx,
		`SELECT calendar_id, weekday, start_minute, end_minute FROM availability WHERE calendar_id = ? ORDER BY weekday, start_minute`,
		calendarID,
	)
	if err != nil {
		return nil, fmt.Errorf("list availability failed: %w", err)
	}
	defer rows.Close()

	var out []models.AvailabilityWindow
	for rows.Next() {
		var w models.AvailabilityWindow
		var wd int
		if err := rows.Scan(&w.CalendarID, &wd, &w.StartMinute, &w.EndMinute); err != nil {
			return nil, fmt.Errorf("scan availability failed: %w", err)
		}
		w.Weekday = time.Weekday(wd)
		out = append(out, w)
	}
	return out, rows.Err()
}

const bookingColumns = `id, calendar_id, contact_id, conversation_id, starts_at, ends_at, meeting_link, external_event_id, created_at`

const overlappingBookings = `SELECT ` + bookingColumns + ` FROM bookings
	WHERE calendar_id = ? AND starts_at < ? AND ends_at > ? ORDER BY starts_at`

func scanBookings(rows *sql.Rows) ([]models.Booking, error) {
	defer rows.Close()
	var out []models.Booking
	for rows.Next() {
		var b models.Booking
		if err := rows.Scan(&b.ID, &b.CalendarID, &b.ContactID, &b.ConversationID, &b.StartsAt, &b.EndsAt,
			&b.MeetingLink, &b.ExternalEventID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan booking failed: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListBookings(ctx context.Context, calendarID string, from, to time.Time) ([]models.Booking, error) {
	rows, err := s.query(ctx, overlappingBookings, calendarID, to.UTC(), from.UTC())
	if err != nil {
		return nil, fmt.Errorf("list bookings failed: %w", err)
	}
	return scanBookings(rows)
}

func (s *Store) InsertBookingIfFree(ctx context.Context, b *models.Booking) error {
	if !b.EndsAt.After(b.StartsAt) {
		return fmt.Errorf("booking ends before it starts")
	}
	if b.ID == "" {
		b.ID = util.NewID("bk_")
	}
	b.CreatedAt = s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := overlappingBookings
		if s.dialect == DialectPostgres {
			// serialize concurrent bookings of the same calendar
			if _, err := tx.ExecContext(ctx, s.rebind(`SELECT id FROM calendars WHERE id = ? FOR UPDATE`), b.CalendarID); err != nil {
				return fmt.Errorf("lock calendar failed: %w", err)
			}
		}
		rows, err := tx.QueryContext(ctx, s.rebind(q), b.CalendarID, b.EndsAt.UTC(), b.StartsAt.UTC())
		if err != nil {
			return fmt.Errorf("booking conflict check failed: %w", err)
		}
		existing, err := scanBookings(rows)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("booking %s overlaps %s: %w", b.StartsAt.Format(time.RFC3339), existing[0].ID, models.ErrSlotConflict)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO bookings (`+bookingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			b.ID, b.CalendarID, b.ContactID, b.ConversationID, b.StartsAt.UTC(), b.EndsAt.UTC(),
			b.MeetingLink, b.ExternalEventID, b.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert booking failed: %w", err)
		}
		return nil
	})
}

func (s *Store) SetBookingEvent(ctx context.Context, bookingID, meetingLink, externalEventID string) error {
	_, err := s.exec(ctx, `UPDATE bookings SET meeting_link = ?, external_event_id = ? WHERE id = ?`,
		meetingLink, externalEventID, bookingID)
	if err != nil {
		return fmt.Errorf("set booking event failed: %w", err)
	}
	return nil
}

func (s *Store) DeleteBooking(ctx context.Context, bookingID string) error {
	if _, err := s.exec(ctx, `DELETE FROM bookings WHERE id = ?`, bookingID); err != nil {
		return fmt.Errorf("delete booking failed: %w", err)
	}
	return nil
}
