// Package tracking journals finished inference exchanges to Postgres for
// usage reporting. Writes go through a buffered worker pool so the hot
// path never waits on the database; when the queue is full the record is
// dropped and counted.
package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SitoSt/JotaOrchestrator/internal/config"
	"github.com/SitoSt/JotaOrchestrator/internal/logger"
	"github.com/SitoSt/JotaOrchestrator/internal/storage/pg"
)

type Service struct {
	queries      pg.Querier
	recordChan   chan record
	workerPool   sync.WaitGroup
	shutdown     chan struct{}
	closed       atomic.Bool
	logger       *logger.Logger
	droppedTotal atomic.Int64
}

type record struct {
	ctx  context.Context
	info ExchangeInfo
}

// ExchangeInfo describes one finished inference exchange.
type ExchangeInfo struct {
	UserID         string
	ConversationID string
	SessionID      string
	Endpoint       string
	Status         string
	TokenCount     int
	Duration       time.Duration
	ErrorMessage   string
}

// NewService starts the worker pool. Callers construct it only when a
// tracking database is configured; a nil *Service is safe to use and
// records nothing.
func NewService(queries pg.Querier, log *logger.Logger) *Service {
	s := &Service{
		queries:    queries,
		recordChan: make(chan record, config.AppConfig.TrackingBufferSize),
		shutdown:   make(chan struct{}),
		logger:     log.WithComponent("tracking"),
	}

	for i := 0; i < config.AppConfig.TrackingWorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.recordWorker()
	}

	return s
}

// recordWorker processes records from the channel.
func (s *Service) recordWorker() {
	defer s.workerPool.Done()

	for {
		select {
		case rec := <-s.recordChan:
			s.handleRecord(rec)
		case <-s.shutdown:
			// Process remaining records before shutdown.
			for {
				select {
				case rec := <-s.recordChan:
					s.handleRecord(rec)
				default:
					return
				}
			}
		}
	}
}

// RecordAsync queues an exchange record for the worker pool.
func (s *Service) RecordAsync(ctx context.Context, info ExchangeInfo) error {
	if s == nil {
		return nil
	}
	if s.closed.Load() {
		s.logger.Warn("tracking service is shutting down, dropping record",
			slog.String("user_id", info.UserID),
			slog.String("session_id", info.SessionID))
		return fmt.Errorf("service shutting down")
	}

	select {
	case s.recordChan <- record{ctx: ctx, info: info}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		dropped := s.droppedTotal.Add(1)
		s.logger.Error("tracking queue full, record dropped",
			slog.String("user_id", info.UserID),
			slog.String("session_id", info.SessionID),
			slog.Int64("total_dropped", dropped),
			slog.Int("queue_size", config.AppConfig.TrackingBufferSize))
		return fmt.Errorf("tracking queue is full, dropping record")
	}
}

// handleRecord ensures each record has a reasonable timeout and inserts it.
func (s *Service) handleRecord(rec record) {
	ctx := rec.ctx

	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) < time.Second {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(config.AppConfig.TrackingTimeoutSeconds)*time.Second)
	}

	s.insertRecord(ctx, rec.info)

	if cancel != nil {
		cancel()
	}
}

func (s *Service) insertRecord(ctx context.Context, info ExchangeInfo) {
	var errorMessage sql.NullString
	if info.ErrorMessage != "" {
		errorMessage = sql.NullString{String: info.ErrorMessage, Valid: true}
	}

	params := pg.CreateInferenceRequestParams{
		UserID:         info.UserID,
		ConversationID: info.ConversationID,
		SessionID:      info.SessionID,
		Endpoint:       info.Endpoint,
		Status:         info.Status,
		TokenCount:     int32(info.TokenCount),
		DurationMs:     info.Duration.Milliseconds(),
		ErrorMessage:   errorMessage,
	}

	if err := s.queries.CreateInferenceRequest(ctx, params); err != nil {
		s.logger.Error("failed to insert inference record",
			slog.String("user_id", info.UserID),
			slog.String("session_id", info.SessionID),
			slog.String("error", err.Error()))
	}
}

// UsageSummary returns a user's aggregate request and token counts.
func (s *Service) UsageSummary(ctx context.Context, userID string) (pg.UserUsageSummary, error) {
	if s == nil {
		return pg.UserUsageSummary{}, fmt.Errorf("usage tracking is not configured")
	}
	return s.queries.GetUserUsageSummary(ctx, userID)
}

// Metrics returns diagnostic counters for the worker pool.
func (s *Service) Metrics() map[string]int64 {
	if s == nil {
		return nil
	}
	return map[string]int64{
		"dropped_records_total": s.droppedTotal.Load(),
		"queue_size":            int64(len(s.recordChan)),
		"queue_capacity":        int64(config.AppConfig.TrackingBufferSize),
	}
}

// Shutdown drains the queue and stops the workers.
func (s *Service) Shutdown() {
	if s == nil {
		return
	}
	s.closed.Store(true)

	close(s.shutdown)
	s.workerPool.Wait()
	close(s.recordChan)
}
