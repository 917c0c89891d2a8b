package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"intakeline/internal/domain"
	"intakeline/internal/stage"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConditionFailed is returned when a conditional update matched no row
// because another writer got there first.
var ErrConditionFailed = errors.New("condition failed")

const requestColumns = `id,request_number,title,description,type,priority,stage,stage_entered_at,
client_id,related_project_id,requester_id,assigned_pm_id,estimator_id,
story_points,confidence,estimation_notes,estimated_at,
hold_reason,hold_started_at,
is_converted,converted_type,converted_id,converted_at,
is_cancelled,cancelled_reason,cancelled_at,
created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc rowScanner) (domain.Request, error) {
	var r domain.Request
	var description, clientID, relatedProjectID, assignedPMID, estimatorID sql.NullString
	var confidence, estimationNotes, estimatedAt sql.NullString
	var holdReason, holdStartedAt sql.NullString
	var convertedType, convertedID, convertedAt sql.NullString
	var cancelledReason, cancelledAt sql.NullString
	var storyPoints sql.NullInt64
	var stageRaw, typeRaw, priorityRaw string
	err := sc.Scan(&r.ID, &r.RequestNumber, &r.Title, &description, &typeRaw, &priorityRaw, &stageRaw, &r.StageEnteredAt,
		&clientID, &relatedProjectID, &r.RequesterID, &assignedPMID, &estimatorID,
		&storyPoints, &confidence, &estimationNotes, &estimatedAt,
		&holdReason, &holdStartedAt,
		&r.IsConverted, &convertedType, &convertedID, &convertedAt,
		&r.IsCancelled, &cancelledReason, &cancelledAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Type = stage.RequestType(typeRaw)
	r.Priority = stage.Priority(priorityRaw)
	r.Stage = stage.Stage(stageRaw)
	if description.Valid {
		r.Description = description.String
	}
	r.ClientID = strPtr(clientID)
	r.RelatedProjectID = strPtr(relatedProjectID)
	r.AssignedPMID = strPtr(assignedPMID)
	r.EstimatorID = strPtr(estimatorID)
	if storyPoints.Valid {
		p := int(storyPoints.Int64)
		r.StoryPoints = &p
	}
	if confidence.Valid {
		c := stage.Confidence(confidence.String)
		r.Confidence = &c
	}
	r.EstimationNotes = strPtr(estimationNotes)
	r.EstimatedAt = strPtr(estimatedAt)
	r.HoldReason = strPtr(holdReason)
	r.HoldStartedAt = strPtr(holdStartedAt)
	r.ConvertedType = strPtr(convertedType)
	r.ConvertedID = strPtr(convertedID)
	r.ConvertedAt = strPtr(convertedAt)
	r.CancelledReason = strPtr(cancelledReason)
	r.CancelledAt = strPtr(cancelledAt)
	return r, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.RequestNumber, req.Title, nullable(req.Description), string(req.Type), string(req.Priority), string(req.Stage), req.StageEnteredAt,
		nullableStringPtr(req.ClientID), nullableStringPtr(req.RelatedProjectID), req.RequesterID, nullableStringPtr(req.AssignedPMID), nullableStringPtr(req.EstimatorID),
		nullableIntPtr(req.StoryPoints), nullableConfidencePtr(req.Confidence), nullableStringPtr(req.EstimationNotes), nullableStringPtr(req.EstimatedAt),
		nullableStringPtr(req.HoldReason), nullableStringPtr(req.HoldStartedAt),
		req.IsConverted, nullableStringPtr(req.ConvertedType), nullableStringPtr(req.ConvertedID), nullableStringPtr(req.ConvertedAt),
		req.IsCancelled, nullableStringPtr(req.CancelledReason), nullableStringPtr(req.CancelledAt),
		req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

// UpdateRequest writes the mutable columns back, guarded so a converted
// or cancelled row is never touched. Returns ErrConditionFailed when the
// row exists but is terminal, ErrNotFound when it is missing.
func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	return r.updateRequest(ctx, tx, req, "")
}

// UpdateRequestFromStage additionally conditions the write on the stage
// the caller read, so concurrent transitions on the same request resolve
// deterministically: the loser gets ErrConditionFailed, never a silent
// overwrite.
func (r Repo) UpdateRequestFromStage(ctx context.Context, tx *sql.Tx, req domain.Request, from stage.Stage) error {
	return r.updateRequest(ctx, tx, req, from)
}

func (r Repo) updateRequest(ctx context.Context, tx *sql.Tx, req domain.Request, from stage.Stage) error {
	query := `UPDATE requests SET
title=?, description=?, type=?, priority=?, stage=?, stage_entered_at=?,
client_id=?, related_project_id=?, assigned_pm_id=?, estimator_id=?,
story_points=?, confidence=?, estimation_notes=?, estimated_at=?,
hold_reason=?, hold_started_at=?,
updated_at=?
WHERE id=? AND is_converted=0 AND is_cancelled=0`
	args := []any{
		req.Title, nullable(req.Description), string(req.Type), string(req.Priority), string(req.Stage), req.StageEnteredAt,
		nullableStringPtr(req.ClientID), nullableStringPtr(req.RelatedProjectID), nullableStringPtr(req.AssignedPMID), nullableStringPtr(req.EstimatorID),
		nullableIntPtr(req.StoryPoints), nullableConfidencePtr(req.Confidence), nullableStringPtr(req.EstimationNotes), nullableStringPtr(req.EstimatedAt),
		nullableStringPtr(req.HoldReason), nullableStringPtr(req.HoldStartedAt),
		req.UpdatedAt, req.ID,
	}
	if from != "" {
		query += ` AND stage=?`
		args = append(args, string(from))
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id=?`, req.ID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConditionFailed
}

// MarkConverted flips the conversion flag as one conditional update. The
// WHERE clause is the compare-and-set: a request that is already
// converted or cancelled matches no row and the caller loses the race.
func (r Repo) MarkConverted(ctx context.Context, tx *sql.Tx, id string, convertedType, convertedID, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET
is_converted=1, converted_type=?, converted_id=?, converted_at=?, updated_at=?
WHERE id=? AND is_converted=0 AND is_cancelled=0`,
		convertedType, convertedID, ts, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionFailed
	}
	return nil
}

// MarkCancelled flips the cancellation flag, guarded the same way as
// MarkConverted so a cancel can never land on a converted request.
func (r Repo) MarkCancelled(ctx context.Context, tx *sql.Tx, id, reason, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET
is_cancelled=1, cancelled_reason=?, cancelled_at=?, updated_at=?
WHERE id=? AND is_converted=0 AND is_cancelled=0`,
		nullable(reason), ts, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionFailed
	}
	return nil
}

type RequestFilters struct {
	Stage           string
	Type            string
	Priority        string
	ClientID        string
	AssignedPMID    string
	Converted       *bool
	Cancelled       *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.AssignedPMID != "" {
		clauses = append(clauses, "assigned_pm_id=?")
		args = append(args, f.AssignedPMID)
	}
	if f.Converted != nil {
		clauses = append(clauses, "is_converted=?")
		args = append(args, *f.Converted)
	}
	if f.Cancelled != nil {
		clauses = append(clauses, "is_cancelled=?")
		args = append(args, *f.Cancelled)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListByStage returns non-terminal requests sitting in a stage, oldest
// entry first so the queue reads in working order.
func (r Repo) ListByStage(ctx context.Context, s stage.Stage, limit int) ([]domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests
WHERE stage=? AND is_converted=0 AND is_cancelled=0 ORDER BY stage_entered_at ASC, id ASC`
	args := []any{string(s)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// CountRequestsByStage tallies the active pipeline.
func (r Repo) CountRequestsByStage(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, count(*) FROM requests WHERE is_converted=0 AND is_cancelled=0 GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var s string
		var count int
		if err := rows.Scan(&s, &count); err != nil {
			return nil, err
		}
		res[s] = count
	}
	return res, rows.Err()
}

// NextRequestNumber allocates the next display number inside tx.
func (r Repo) NextRequestNumber(ctx context.Context, tx *sql.Tx) (string, error) {
	return nextNumber(ctx, tx, "requests", "REQ")
}

// nextNumber bumps the named counter and formats the display number.
// The UPDATE takes the write lock at allocation, so two transactions can
// never hand out the same number.
func nextNumber(ctx context.Context, tx *sql.Tx, seq, prefix string) (string, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value`, seq).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", prefix, n), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableConfidencePtr(v *stage.Confidence) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
