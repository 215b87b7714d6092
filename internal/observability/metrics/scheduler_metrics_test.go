package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, SchedulerJobReasonUnknown},
		{context.DeadlineExceeded, SchedulerJobReasonDeadlineExceeded},
		{fmt.Errorf("purge: %w", context.Canceled), SchedulerJobReasonDeadlineExceeded},
		{&pgconn.PgError{Code: "55P03"}, SchedulerJobReasonDBLockTimeout},
		{&pgconn.PgError{Code: "40001"}, SchedulerJobReasonSerializationFailure},
		{gorm.ErrDuplicatedKey, SchedulerJobReasonUniqueViolation},
		{errors.New("constraint failed: UNIQUE constraint failed: organizations.slug (2067)"), SchedulerJobReasonUniqueViolation},
		{errors.New("boom"), SchedulerJobReasonUnknown},
	}
	for _, tc := range cases {
		if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
			t.Fatalf("ClassifySchedulerJobReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestSchedulerErrorRetryable(t *testing.T) {
	if IsSchedulerErrorRetryable(gorm.ErrRecordNotFound) {
		t.Fatal("record not found must not be retried")
	}
	if !IsSchedulerErrorRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("postgres errors are retryable")
	}
	if got := ClassifySchedulerErrorType(errors.New("bad state")); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business_rule, got %q", got)
	}
}

func TestAddBatchProcessedIgnoresEmptyBatches(t *testing.T) {
	m := newSchedulerMetrics(prometheus.NewRegistry(), Config{ServiceName: "workspace", Environment: "test"})

	m.AddBatchProcessed("purge_sessions", "sessions", 0)
	m.AddBatchProcessed("purge_sessions", "sessions", 3)

	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("purge_sessions", "sessions")); got != 3 {
		t.Fatalf("expected 3 processed, got %v", got)
	}
}
