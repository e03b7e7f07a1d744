package pg

import (
	"context"
	"database/sql"
	"time"
)

// Querier is the query surface the tracking service depends on.
type Querier interface {
	CreateInferenceRequest(ctx context.Context, arg CreateInferenceRequestParams) error
	GetUserUsageSummary(ctx context.Context, userID string) (UserUsageSummary, error)
	DeleteInferenceRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Queries struct {
	db *sql.DB
}

func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

type CreateInferenceRequestParams struct {
	UserID         string
	ConversationID string
	SessionID      string
	Endpoint       string
	Status         string
	TokenCount     int32
	DurationMs     int64
	ErrorMessage   sql.NullString
}

const createInferenceRequest = `
INSERT INTO inference_requests (
    user_id, conversation_id, session_id, endpoint, status, token_count, duration_ms, error_message
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func (q *Queries) CreateInferenceRequest(ctx context.Context, arg CreateInferenceRequestParams) error {
	_, err := q.db.ExecContext(ctx, createInferenceRequest,
		arg.UserID,
		arg.ConversationID,
		arg.SessionID,
		arg.Endpoint,
		arg.Status,
		arg.TokenCount,
		arg.DurationMs,
		arg.ErrorMessage,
	)
	return err
}

type UserUsageSummary struct {
	UserID        string
	RequestCount  int64
	TokenCount    int64
	ErrorCount    int64
	LastRequestAt sql.NullTime
}

const getUserUsageSummary = `
SELECT
    COUNT(*),
    COALESCE(SUM(token_count), 0),
    COUNT(*) FILTER (WHERE status <> 'completed'),
    MAX(created_at)
FROM inference_requests
WHERE user_id = $1
`

func (q *Queries) GetUserUsageSummary(ctx context.Context, userID string) (UserUsageSummary, error) {
	summary := UserUsageSummary{UserID: userID}
	err := q.db.QueryRowContext(ctx, getUserUsageSummary, userID).Scan(
		&summary.RequestCount,
		&summary.TokenCount,
		&summary.ErrorCount,
		&summary.LastRequestAt,
	)
	return summary, err
}

const deleteInferenceRequestsBefore = `
DELETE FROM inference_requests WHERE created_at < $1
`

func (q *Queries) DeleteInferenceRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteInferenceRequestsBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
