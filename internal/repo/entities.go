package repo

import (
	"context"
	"database/sql"

	"intakeline/internal/domain"
)

func (r Repo) InsertClient(ctx context.Context, c domain.Client) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO clients(id,name,email,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, nullable(c.Email), c.CreatedAt)
	return err
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	var c domain.Client
	var email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,created_at FROM clients WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &email, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if email.Valid {
		c.Email = email.String
	}
	return c, err
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(email,''),created_at FROM clients ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,project_number,name,description,status,priority,client_id,owner_id,from_request_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectNumber, p.Name, nullable(p.Description), p.Status, p.Priority, p.ClientID, p.OwnerID, nullableStringPtr(p.FromRequestID), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var description, fromRequestID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_number,name,description,status,priority,client_id,owner_id,from_request_id,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.ProjectNumber, &p.Name, &description, &p.Status, &p.Priority, &p.ClientID, &p.OwnerID, &fromRequestID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if description.Valid {
		p.Description = description.String
	}
	p.FromRequestID = strPtr(fromRequestID)
	return p, err
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets(id,ticket_number,title,description,type,status,priority,client_id,project_id,story_points,created_by_id,from_request_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TicketNumber, t.Title, nullable(t.Description), t.Type, t.Status, t.Priority,
		nullableStringPtr(t.ClientID), nullableStringPtr(t.ProjectID), nullableIntPtr(t.StoryPoints),
		t.CreatedByID, nullableStringPtr(t.FromRequestID), t.CreatedAt)
	return err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	var t domain.Ticket
	var description, clientID, projectID, fromRequestID sql.NullString
	var storyPoints sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,ticket_number,title,description,type,status,priority,client_id,project_id,story_points,created_by_id,from_request_id,created_at FROM tickets WHERE id=?`, id).
		Scan(&t.ID, &t.TicketNumber, &t.Title, &description, &t.Type, &t.Status, &t.Priority, &clientID, &projectID, &storyPoints, &t.CreatedByID, &fromRequestID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if description.Valid {
		t.Description = description.String
	}
	t.ClientID = strPtr(clientID)
	t.ProjectID = strPtr(projectID)
	t.FromRequestID = strPtr(fromRequestID)
	if storyPoints.Valid {
		p := int(storyPoints.Int64)
		t.StoryPoints = &p
	}
	return t, err
}

// CountTickets and CountProjects back display-number allocation.
func (r Repo) NextTicketNumber(ctx context.Context, tx *sql.Tx) (string, error) {
	return nextNumber(ctx, tx, "tickets", "TKT")
}

func (r Repo) NextProjectNumber(ctx context.Context, tx *sql.Tx) (string, error) {
	return nextNumber(ctx, tx, "projects", "PRJ")
}
