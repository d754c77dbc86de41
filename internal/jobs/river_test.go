package jobs

import (
	"testing"
	"time"

	"github.com/riverqueue/river/rivertype"
)

func TestNewRetryPolicy(t *testing.T) {
	policy := NewRetryPolicy()

	if policy == nil {
		t.Fatal("NewRetryPolicy() returned nil")
	}

	tests := []struct {
		kind                string
		expectedMaxAttempts int
		expectedBaseDelay   time.Duration
		expectedMaxDelay    time.Duration
	}{
		{
			kind:                JobKindAgencySync,
			expectedMaxAttempts: AgencySyncMaxAttempts,
			expectedBaseDelay:   30 * time.Second,
			expectedMaxDelay:    5 * time.Minute,
		},
		{
			kind:                JobKindFinalizePending,
			expectedMaxAttempts: FinalizePendingMaxAttempts,
			expectedBaseDelay:   1 * time.Minute,
			expectedMaxDelay:    1 * time.Hour,
		},
		{
			kind:                JobKindQuarantineCleanup,
			expectedMaxAttempts: QuarantineCleanupMaxAttempts,
			expectedBaseDelay:   1 * time.Minute,
			expectedMaxDelay:    30 * time.Minute,
		},
		{
			kind:                JobKindDisputeResolution,
			expectedMaxAttempts: DisputeResolutionMaxAttempts,
			expectedBaseDelay:   1 * time.Minute,
			expectedMaxDelay:    1 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			config, ok := policy.ByKind[tt.kind]
			if !ok {
				t.Fatalf("kind %s not found in ByKind map", tt.kind)
			}
			if config.MaxAttempts != tt.expectedMaxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", config.MaxAttempts, tt.expectedMaxAttempts)
			}
			if config.BaseDelay != tt.expectedBaseDelay {
				t.Errorf("BaseDelay = %v, want %v", config.BaseDelay, tt.expectedBaseDelay)
			}
			if config.MaxDelay != tt.expectedMaxDelay {
				t.Errorf("MaxDelay = %v, want %v", config.MaxDelay, tt.expectedMaxDelay)
			}
		})
	}
}

func TestRetryPolicy_NextRetry(t *testing.T) {
	policy := NewRetryPolicy()
	attemptedAt := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		kind          string
		attempt       int
		expectedDelay time.Duration
	}{
		{"sync first attempt", JobKindAgencySync, 1, 30 * time.Second},
		{"sync second attempt doubles", JobKindAgencySync, 2, 1 * time.Minute},
		{"sync delay capped", JobKindAgencySync, 6, 5 * time.Minute},
		{"finalize first attempt", JobKindFinalizePending, 1, 1 * time.Minute},
		{"finalize third attempt", JobKindFinalizePending, 3, 4 * time.Minute},
		{"unknown kind uses default", "mystery", 1, 1 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &rivertype.JobRow{
				Kind:        tt.kind,
				Attempt:     tt.attempt,
				AttemptedAt: &attemptedAt,
			}
			got := policy.NextRetry(job)
			want := attemptedAt.Add(tt.expectedDelay)
			if !got.Equal(want) {
				t.Errorf("NextRetry = %v, want %v", got, want)
			}
		})
	}
}

func TestRetryPolicy_NextRetryZeroAttempt(t *testing.T) {
	policy := NewRetryPolicy()
	attemptedAt := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	job := &rivertype.JobRow{Kind: JobKindAgencySync, Attempt: 0, AttemptedAt: &attemptedAt}
	got := policy.NextRetry(job)
	if !got.Equal(attemptedAt.Add(30 * time.Second)) {
		t.Errorf("NextRetry with attempt 0 = %v, want first-attempt delay", got)
	}
}

func TestInsertOptsForKind(t *testing.T) {
	if got := InsertOptsForKind(JobKindAgencySync).MaxAttempts; got != AgencySyncMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", got, AgencySyncMaxAttempts)
	}
	if got := InsertOptsForKind("mystery").MaxAttempts; got != FinalizePendingMaxAttempts {
		t.Errorf("unknown kind MaxAttempts = %d, want default", got)
	}
}

func TestNewPeriodicJobs(t *testing.T) {
	jobs := NewPeriodicJobs(5*time.Minute, time.Hour)
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	// Zero intervals fall back to defaults rather than a hot loop.
	jobs = NewPeriodicJobs(0, 0)
	if len(jobs) != 2 {
		t.Fatalf("len with defaults = %d, want 2", len(jobs))
	}
}
