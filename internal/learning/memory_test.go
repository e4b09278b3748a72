package learning

import (
	"context"
	"testing"
)

func TestMemoryStoreMistakePatternUpsertIsIdempotentOnTriple(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.UpsertMistakePattern(ctx, "default", MistakePermissionDenied, "fs_write", "ask for approval first")
	if err != nil {
		t.Fatalf("UpsertMistakePattern() error = %v", err)
	}
	if first.Frequency != 1 {
		t.Fatalf("expected frequency 1, got %d", first.Frequency)
	}

	second, err := store.UpsertMistakePattern(ctx, "default", MistakePermissionDenied, "fs_write", "")
	if err != nil {
		t.Fatalf("UpsertMistakePattern() error = %v", err)
	}
	if second.Frequency != 2 {
		t.Fatalf("expected frequency 2 on repeat, got %d", second.Frequency)
	}
	if second.SuggestedFix != "ask for approval first" {
		t.Fatalf("expected suggested fix preserved on empty overwrite, got %q", second.SuggestedFix)
	}

	different, err := store.UpsertMistakePattern(ctx, "default", MistakePermissionDenied, "fs_read", "")
	if err != nil {
		t.Fatalf("UpsertMistakePattern() error = %v", err)
	}
	if different.Frequency != 1 {
		t.Fatalf("expected a distinct trigger to start a new counter, got %d", different.Frequency)
	}

	patterns, err := store.ListMistakePatterns(ctx, "default")
	if err != nil {
		t.Fatalf("ListMistakePatterns() error = %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected 2 distinct patterns, got %d", len(patterns))
	}
}

func TestMemoryStoreSuccessPatternUsageCount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.UpsertSuccessPattern(ctx, "default", "fix-then-test", SuccessErrorFixing, "reproduce, fix, rerun tests", []string{"exec", "files"}); err != nil {
			t.Fatalf("UpsertSuccessPattern() error = %v", err)
		}
	}

	found, err := store.FindSuccessPatterns(ctx, "default", SuccessErrorFixing, 10)
	if err != nil {
		t.Fatalf("FindSuccessPatterns() error = %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 deduplicated pattern, got %d", len(found))
	}
	if found[0].UsageCount != 3 {
		t.Fatalf("expected usage count 3, got %d", found[0].UsageCount)
	}
}

func TestMemoryStoreUserPreferenceRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pref := &UserPreference{SessionID: "sess-1", Key: "run_tests_before_done", Value: "true", Kind: PreferenceBool}
	if err := store.UpsertUserPreference(ctx, pref); err != nil {
		t.Fatalf("UpsertUserPreference() error = %v", err)
	}

	got, err := store.GetUserPreference(ctx, "sess-1", "run_tests_before_done")
	if err != nil {
		t.Fatalf("GetUserPreference() error = %v", err)
	}
	if got == nil || got.Value != "true" {
		t.Fatalf("expected stored preference to round-trip, got %+v", got)
	}

	missing, err := store.GetUserPreference(ctx, "sess-1", "nope")
	if err != nil {
		t.Fatalf("GetUserPreference() error = %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown key, got %+v", missing)
	}
}
