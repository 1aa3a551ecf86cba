/*
Package jobqueue provides a River-based job queue for forum housekeeping.

When two replicas race to create the thread for the same entity, the store
keeps the first mapping and the loser's thread is handed to this queue for
deletion, so the request that lost the race is not slowed down by it.

For configuration options see queue_config.go.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/topicbridge/internal/forum"
	"github.com/topicbridge/pkg/models"
)

type ThreadCleanupJobArgs struct {
	ThreadID      string `json:"thread_id"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
}

func (ThreadCleanupJobArgs) Kind() string {
	return "thread_cleanup"
}

// ThreadCleanupWorker deletes a redundant thread as the forum's system identity.
type ThreadCleanupWorker struct {
	river.WorkerDefaults[ThreadCleanupJobArgs]
	gateway forum.Gateway
	config  *QueueConfig
}

func NewThreadCleanupWorker(gateway forum.Gateway, config *QueueConfig) *ThreadCleanupWorker {
	if config == nil {
		config = DefaultQueueConfig()
	}
	return &ThreadCleanupWorker{gateway: gateway, config: config}
}

func (w *ThreadCleanupWorker) Timeout(*river.Job[ThreadCleanupJobArgs]) time.Duration {
	return w.config.JobTimeout
}

func (w *ThreadCleanupWorker) Work(ctx context.Context, job *river.Job[ThreadCleanupJobArgs]) error {
	args := job.Args
	logger := log.With().
		Str("thread_id", args.ThreadID).
		Str("reference_type", args.ReferenceType).
		Str("reference_id", args.ReferenceID).
		Logger()

	err := w.gateway.DeleteThread(ctx, args.ThreadID)
	if errors.Is(err, forum.ErrNotFound) {
		logger.Info().Msg("redundant thread already gone")
		return nil
	}
	if err != nil {
		logger.Warn().Err(err).Msg("failed to delete redundant thread, will retry")
		return fmt.Errorf("failed to delete thread %s: %w", args.ThreadID, err)
	}

	logger.Info().Msg("deleted redundant thread")
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a job queue on an existing pool. The caller owns the pool.
func NewJobQueue(pool *pgxpool.Pool, gateway forum.Gateway, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewThreadCleanupWorker(gateway, config))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:      config.RiverQueueConfig(),
		Workers:     workers,
		MaxAttempts: config.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// DiscardThread queues deletion of a thread that lost a mapping race.
func (jq *JobQueue) DiscardThread(ctx context.Context, threadID string, ref models.EntityRef) error {
	args := ThreadCleanupJobArgs{
		ThreadID:      threadID,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
	}

	_, err := jq.client.Insert(ctx, args, &river.InsertOpts{
		Queue:       QueueCleanup,
		MaxAttempts: jq.config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to queue thread cleanup job: %w", err)
	}
	log.Debug().Str("thread_id", threadID).Str("reference", ref.String()).Msg("queued thread cleanup")
	return nil
}

// Migrate applies River's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("applied River migration")
	}
	return nil
}
