package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelay_ExponentialWithCap(t *testing.T) {
	assert.Equal(t, 60*time.Second, RetryDelay(0))
	assert.Equal(t, 120*time.Second, RetryDelay(1))
	assert.Equal(t, 240*time.Second, RetryDelay(2))
	assert.Equal(t, 480*time.Second, RetryDelay(3))
	assert.Equal(t, time.Hour, RetryDelay(6))
	assert.Equal(t, time.Hour, RetryDelay(20))
	assert.Equal(t, 60*time.Second, RetryDelay(-1))
}

func TestNewSyncJob_Defaults(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeComplete)
	assert.True(t, strings.HasPrefix(job.ID, "job_"))
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
	assert.True(t, job.IsLive())
	assert.False(t, job.IsTerminal())
}

func TestSyncJob_CompletionStatuses(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeMetadata)
	job.MarkStarted()
	assert.Equal(t, JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)

	job.MarkCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, float64(100), job.Progress)
	assert.True(t, job.IsTerminal())

	warned := NewSyncJob("cfg1", SyncTypeMetadata)
	warned.MarkStarted()
	warned.WarningCount = 2
	warned.MarkCompleted()
	assert.Equal(t, JobStatusCompletedWithWarnings, warned.Status)
}

func TestSyncJob_MarkFailedIsRetryable(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeMetadata)
	job.MarkStarted()
	job.MarkFailed("source unreachable")

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "source unreachable", job.LastError)
	assert.False(t, job.IsTerminal(), "failed jobs stay non-terminal until the retry budget is spent")
	assert.True(t, job.CanRetry())
}

func TestSyncJob_ScheduleRetry(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeMetadata)
	job.MarkStarted()
	job.MarkFailed("boom")

	require.True(t, job.ScheduleRetry())
	assert.Equal(t, JobStatusRetrying, job.Status)
	require.NotNil(t, job.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(RetryDelay(0)), *job.NextRetryAt, 5*time.Second)
}

func TestSyncJob_ScheduleRetry_BudgetExhausted(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeMetadata)
	job.MarkFailed("boom")
	job.RetryCount = job.MaxRetries

	assert.False(t, job.ScheduleRetry())
	assert.Equal(t, JobStatusFailedPermanently, job.Status)
	assert.True(t, job.IsTerminal())
}

func TestSyncJob_RetryChildrenNeverRetry(t *testing.T) {
	parent := NewSyncJob("cfg1", SyncTypeComplete)
	parent.MarkFailed("boom")
	parent.RetryCount = 1

	child := parent.NewRetryJob()
	assert.Equal(t, parent.ID, child.ParentJobID)
	assert.Equal(t, parent.ConfigID, child.ConfigID)
	assert.True(t, child.IsRetry)
	assert.Equal(t, 2, child.RetryCount)

	child.MarkFailed("boom again")
	assert.False(t, child.CanRetry(), "only parents hold the retry slot")
	assert.False(t, child.ScheduleRetry())
}

func TestSyncJob_ProgressMonotonic(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeMetadata)
	job.SetProgress(40)
	job.SetProgress(20)
	assert.Equal(t, float64(40), job.Progress)

	job.SetProgress(150)
	assert.Equal(t, float64(100), job.Progress)
}

func TestSyncJob_AddProcessedDerivesProgress(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeMetadata)
	job.TotalItems = 4
	job.AddProcessed(1)
	assert.Equal(t, float64(25), job.Progress)

	job.AddProcessed(10)
	assert.Equal(t, 4, job.ProcessedItems, "processed never exceeds total")
	assert.Equal(t, float64(100), job.Progress)
}

func TestSyncJob_AppendLog(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeMetadata)
	job.AppendLog("première ligne")
	job.AppendLog("deuxième ligne\n")
	job.AppendLog("")

	assert.Equal(t, "première ligne\ndeuxième ligne\n", job.LogMessage)
}

func TestSyncJob_Duration(t *testing.T) {
	job := NewSyncJob("cfg1", SyncTypeMetadata)
	assert.Zero(t, job.Duration())

	start := time.Now().Add(-90 * time.Second)
	end := time.Now()
	job.StartedAt = &start
	job.CompletedAt = &end
	assert.InDelta(t, 90, job.Duration().Seconds(), 1)
}
