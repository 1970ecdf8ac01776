package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
)

func TestCandidatesByBotAndCategory(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	seed := []engine.Candidate{
		bakery(),
		{ID: "garden", BotID: "b1", Category: "family", Title: "Garden", Body: "Tomatoes every summer."},
		{ID: "other", BotID: "b2", Category: "career", Title: "Other", Body: "Not b1's."},
	}
	for _, c := range seed {
		if _, err := db.UpsertCandidate(ctx, c); err != nil {
			t.Fatalf("UpsertCandidate %s: %v", c.ID, err)
		}
	}

	all, err := db.Candidates(ctx, "b1", "")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("b1 candidates = %d, want 2", len(all))
	}
	if diff := cmp.Diff(seed[0], all[0]); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
	if all[1].Extraction != nil {
		t.Errorf("candidate without extraction decoded as %+v", all[1].Extraction)
	}

	family, err := db.Candidates(ctx, "b1", "family")
	if err != nil || len(family) != 1 || family[0].ID != "garden" {
		t.Errorf("family = %+v, %v", family, err)
	}

	none, err := db.Candidates(ctx, "nobody", "")
	if err != nil || len(none) != 0 {
		t.Errorf("unknown bot = %+v, %v", none, err)
	}

	bots, err := db.Bots(ctx)
	if err != nil {
		t.Fatalf("Bots: %v", err)
	}
	want := []BotSummary{{BotID: "b1", Candidates: 2, Categories: 2}, {BotID: "b2", Candidates: 1, Categories: 1}}
	if diff := cmp.Diff(want, bots); diff != "" {
		t.Errorf("bots (-want +got):\n%s", diff)
	}
}

func TestGetAndDeleteCandidate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.GetCandidate(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("GetCandidate err = %v, want ErrNotFound", err)
	}
	if _, err := db.UpsertCandidate(ctx, bakery()); err != nil {
		t.Fatalf("UpsertCandidate: %v", err)
	}
	if err := db.DeleteCandidate(ctx, "first-job"); err != nil {
		t.Fatalf("DeleteCandidate: %v", err)
	}
	if err := db.DeleteCandidate(ctx, "first-job"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestUpsertResultString(t *testing.T) {
	for r, want := range map[UpsertResult]string{Created: "created", Updated: "updated", Unchanged: "unchanged"} {
		if r.String() != want {
			t.Errorf("%d.String() = %q, want %q", r, r.String(), want)
		}
	}
}
