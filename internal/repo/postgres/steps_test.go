package postgres

import (
	"strings"
	"testing"
)

func TestStepAttemptQueriesAreIdempotent(t *testing.T) {
	if !strings.Contains(insertStepAttemptQuery, "ON CONFLICT (run_id, stage_id, attempt) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in insert query")
	}
	if !strings.Contains(selectStepAttemptQuery, "run_id = $1 AND stage_id = $2 AND attempt = $3") {
		t.Fatalf("expected attempt key predicate in select query")
	}
	if !strings.Contains(listStepAttemptsByRunQuery, "ORDER BY") {
		t.Fatalf("expected ORDER BY in list query")
	}
}
