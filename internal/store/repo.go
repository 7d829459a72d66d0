package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"schoolattend/internal/engine"
)

// Repository reads and writes attendance data in Postgres. It implements
// the recorder's primary Store and feeds the classifier its read-only
// inputs.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// FindRecord returns the record for one (student, date, shift), or nil.
func (r *Repository) FindRecord(ctx context.Context, studentID, date, shift string) (*engine.Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, student_name, date, status, shift, checked_in_at, time_in, start_time, method, notify_error
		FROM attendance_records
		WHERE student_id = $1 AND date = $2 AND shift = $3
		LIMIT 1
	`, studentID, date, shift)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// InsertRecord writes a new attendance row. The unique index on
// (student_id, date, shift) backstops the recorder's check-then-write; a
// conflict means another writer won the race, which is idempotent success.
func (r *Repository) InsertRecord(ctx context.Context, rec engine.Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, student_id, student_name, date, status, shift, checked_in_at, time_in, start_time, method, notify_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (student_id, date, shift) DO NOTHING
	`, rec.ID, rec.StudentID, rec.StudentName, rec.Date, rec.Status, rec.Shift,
		rec.Timestamp, rec.TimeIn, rec.StartTime, rec.Method, rec.NotifyError)
	return err
}

// SetNotifyError records a failed best-effort notification on the row.
func (r *Repository) SetNotifyError(ctx context.Context, recordID, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET notify_error = $2 WHERE id = $1
	`, recordID, msg)
	return err
}

// ApproveRequested flips a requested record to its final status. This is the
// administrative override path; everything else treats records as immutable.
func (r *Repository) ApproveRequested(ctx context.Context, recordID, finalStatus string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET status = $2
		WHERE id = $1 AND status = $3
	`, recordID, finalStatus, engine.TagRequested)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s is not in requested state", recordID)
	}
	return nil
}

// ListStudentRecords returns a student's records in [from, to] inclusive.
func (r *Repository) ListStudentRecords(ctx context.Context, studentID, from, to string) ([]engine.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, student_name, date, status, shift, checked_in_at, time_in, start_time, method, notify_error
		FROM attendance_records
		WHERE student_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date
	`, studentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListRecordsByDate returns every record for one calendar date.
func (r *Repository) ListRecordsByDate(ctx context.Context, date string) ([]engine.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, student_name, date, status, shift, checked_in_at, time_in, start_time, method, notify_error
		FROM attendance_records
		WHERE date = $1
		ORDER BY student_id
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// GetStudent returns one student, or nil when unknown.
func (r *Repository) GetStudent(ctx context.Context, id string) (*engine.Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, full_name, class, shift, enrolled_at, grace_minutes, on_break, dropped, flagged
		FROM students WHERE id = $1
	`, id)
	var st engine.Student
	var grace sql.NullInt64
	var enrolled sql.NullString
	if err := row.Scan(&st.ID, &st.FullName, &st.Class, &st.Shift, &enrolled, &grace, &st.OnBreak, &st.Dropped, &st.Flagged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	st.EnrolledAt = enrolled.String
	if grace.Valid {
		g := int(grace.Int64)
		st.GraceMinutes = &g
	}
	return &st, nil
}

// ListStudents returns all active students.
func (r *Repository) ListStudents(ctx context.Context) ([]engine.Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, full_name, class, shift, enrolled_at, grace_minutes, on_break, dropped, flagged
		FROM students
		WHERE NOT dropped
		ORDER BY full_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []engine.Student
	for rows.Next() {
		var st engine.Student
		var grace sql.NullInt64
		var enrolled sql.NullString
		if err := rows.Scan(&st.ID, &st.FullName, &st.Class, &st.Shift, &enrolled, &grace, &st.OnBreak, &st.Dropped, &st.Flagged); err != nil {
			return nil, err
		}
		st.EnrolledAt = enrolled.String
		if grace.Valid {
			g := int(grace.Int64)
			st.GraceMinutes = &g
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// ClassConfigs loads every class configuration. Study days and shifts are
// stored as JSON so the shape matches the engine types directly.
func (r *Repository) ClassConfigs(ctx context.Context) (engine.ClassConfigs, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT class_id, name, study_days, shifts FROM class_configs
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(engine.ClassConfigs)
	for rows.Next() {
		var classID, name string
		var studyDaysRaw, shiftsRaw []byte
		if err := rows.Scan(&classID, &name, &studyDaysRaw, &shiftsRaw); err != nil {
			return nil, err
		}
		cfg := engine.ClassConfig{Name: name}
		if len(studyDaysRaw) > 0 {
			if err := json.Unmarshal(studyDaysRaw, &cfg.StudyDays); err != nil {
				return nil, fmt.Errorf("class %s study_days: %w", classID, err)
			}
		}
		if len(shiftsRaw) > 0 {
			if err := json.Unmarshal(shiftsRaw, &cfg.Shifts); err != nil {
				return nil, fmt.Errorf("class %s shifts: %w", classID, err)
			}
		}
		configs[classID] = cfg
	}
	return configs, rows.Err()
}

// ApprovedPermissions returns a student's approved permission ranges.
func (r *Repository) ApprovedPermissions(ctx context.Context, studentID string) ([]engine.Permission, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, start_date, end_date, status
		FROM permissions
		WHERE student_id = $1 AND status = 'approved'
		ORDER BY start_date
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []engine.Permission
	for rows.Next() {
		var p engine.Permission
		if err := rows.Scan(&p.StudentID, &p.StartDate, &p.EndDate, &p.Status); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// Holidays returns the holiday date set for the academic year.
func (r *Repository) Holidays(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT date FROM holidays ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*engine.Record, error) {
	var rec engine.Record
	var ts sql.NullTime
	var name, shift, timeIn, startTime, method, notifyErr sql.NullString
	if err := row.Scan(&rec.ID, &rec.StudentID, &name, &rec.Date, &rec.Status,
		&shift, &ts, &timeIn, &startTime, &method, &notifyErr); err != nil {
		return nil, err
	}
	rec.StudentName = name.String
	rec.Shift = shift.String
	rec.TimeIn = timeIn.String
	rec.StartTime = startTime.String
	rec.Method = method.String
	rec.NotifyError = notifyErr.String
	if ts.Valid {
		t := ts.Time
		rec.Timestamp = &t
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]engine.Record, error) {
	var records []engine.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
