package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Task struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// DBTX is the part of a pool or connection the repository needs
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Tasks stores tasks. Every write fires the table_update trigger.
type Tasks struct {
	db DBTX
}

// NewTasks returns a repository backed by db
func NewTasks(db DBTX) *Tasks {
	return &Tasks{db: db}
}

// Create inserts a task with a fresh random id
func (t *Tasks) Create(ctx context.Context, name string) (Task, error) {
	task := Task{ID: uuid.NewString(), Name: name}
	if _, err := t.db.Exec(ctx, `INSERT INTO tasks(id, name) VALUES ($1, $2)`, task.ID, task.Name); err != nil {
		return Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

func (t *Tasks) List(ctx context.Context) ([]Task, error) {
	rows, err := t.db.Query(ctx, `SELECT id, name FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, pgx.RowToStructByName[Task])
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}
