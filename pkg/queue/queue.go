// Package queue is the named-queue substrate sequencing every pipeline
// stage. Delivery is at-least-once; workers stay idempotent by business
// key and jobs deduplicate on their deterministic job id. Two adapters are
// provided: an in-memory queue for tests and a SQL-durable queue for
// production.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DeadLetterQueue is the single shared terminal queue for jobs that
// exhausted their retry budget.
const DeadLetterQueue = "dead-letter"

// DefaultMaxAttempts is the per-queue retry budget unless configured
// otherwise.
const DefaultMaxAttempts = 3

// Backoff bases: rate-limit classified failures wait much longer before
// the next attempt.
const (
	BackoffBaseGeneral     = 1000 * time.Millisecond
	BackoffBaseRateLimited = 30000 * time.Millisecond
)

var (
	ErrNotFound   = errors.New("queue: job not found")
	ErrNotLeased  = errors.New("queue: job not leased")
	ErrQueueEmpty = errors.New("queue: no job ready")
)

// JobStatus is the queue-side lifecycle of a job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobLeased    JobStatus = "LEASED"
	JobCompleted JobStatus = "COMPLETED"
	JobDead      JobStatus = "DEAD"
)

// Job is an opaque serialized body plus queue bookkeeping. Correlation
// fields travel inside the body.
type Job struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Body        []byte    `json:"body"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Priority    int       `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ReadyAt     time.Time `json:"ready_at"`
	LeasedBy    string    `json:"leased_by,omitempty"`
	LeaseUntil  time.Time `json:"lease_until,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Terminal reports whether the job can no longer be delivered.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobDead
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	JobID            string
	Delay            time.Duration
	Priority         int
	MaxAttempts      int // 0 means the queue default
	RemoveOnComplete bool
}

// NackOptions tunes a single negative acknowledgement.
type NackOptions struct {
	Retry       bool
	RetryDelay  time.Duration // 0 means computed exponential backoff
	RateLimited bool          // selects the 30 s backoff base
}

// Queue is the substrate contract. Enqueue with an existing non-terminal
// JobID returns the existing job rather than creating a duplicate.
type Queue interface {
	Enqueue(ctx context.Context, name string, body []byte, opts EnqueueOptions) (*Job, error)
	Reserve(ctx context.Context, name, workerID string, lease time.Duration) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID, reason string, opts NackOptions) error
	DeadLetter(ctx context.Context, jobID, reason string) error
	Depth(ctx context.Context, name string) (int, error)
}

// Backoff computes the retry delay for the given zero-based attempt:
// base * 2^attempt, where the base depends on rate-limit classification.
func Backoff(attempt int, rateLimited bool) time.Duration {
	base := BackoffBaseGeneral
	if rateLimited {
		base = BackoffBaseRateLimited
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	return base * time.Duration(1<<uint(attempt))
}

// Hash8 is the short URL hash used inside deterministic job ids.
func Hash8(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// ArticleJobID builds the deterministic id for a fetched article:
// article-<type>-<date>-<hash8(url)>.
func ArticleJobID(articleType string, date time.Time, url string) string {
	return fmt.Sprintf("article-%s-%s-%s", articleType, date.Format("2006-01-02"), Hash8(url))
}

// ProcessJobID builds the deterministic id for processing a stored entity.
func ProcessJobID(entityID string) string {
	return fmt.Sprintf("process-%s", entityID)
}
