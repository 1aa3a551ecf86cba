/*
Package jobqueue configuration - tunable parameters for the River job queue.

The queue only carries follow-up work that must not hold up a request:
deleting forum threads that lost a mapping race. Jobs are retried with
River's default backoff until MaxAttempts is reached; failed jobs keep their
error history in the river_job table.

## Database Requirements:
- PostgreSQL with River schema migrations applied (`topicbridge migrate`)
- Connection pool sized for MaxWorkers concurrent jobs
*/
package jobqueue

import (
	"fmt"
	"time"

	"github.com/riverqueue/river"
)

// QueueCleanup is the River queue that deletes redundant forum threads.
const QueueCleanup = "thread_cleanup"

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	MaxWorkers  int           // concurrent cleanup workers (default: 2)
	MaxAttempts int           // attempts per job before River discards it (default: 10)
	JobTimeout  time.Duration // upper bound for a single forum delete (default: 30 seconds)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  2,
		MaxAttempts: 10,
		JobTimeout:  30 * time.Second,
	}
}

// Validate rejects values River would refuse at client construction.
func (c *QueueConfig) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive")
	}
	return nil
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		QueueCleanup: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
