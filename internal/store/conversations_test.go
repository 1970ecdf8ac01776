package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
)

func sampleTurn(chatID string, number, turn int, msg string) engine.TurnWrite {
	st := engine.NewConversationState(chatID, "b1", number)
	st.ApplyWarmth(engine.WarmthCAN)
	st.Summary = "talked about work"
	st.FollowUpQuestions = []string{"Did you stay?"}

	cs := engine.NewContextState(chatID, number)
	cs.TurnCount = turn
	cs.CurrentTopics = []string{"work"}
	cs.IntentHistory = []string{"seek_advice"}
	cs.Concepts = []engine.ConceptMention{{Concept: "promotion", Count: 1, FirstTurn: turn, LastTurn: turn}}
	cs.Usage = []engine.UsageRecord{{CandidateID: "s1", Turn: turn}}

	w := engine.TurnWrite{State: *st, Context: *cs}
	if msg != "" {
		w.Message = &engine.Message{Role: "user", Content: msg, Turn: turn, CreatedAt: time.Now()}
	}
	return w
}

func TestLatestConversationNotFound(t *testing.T) {
	db := testDB(t)
	_, err := db.LatestConversation(context.Background(), "nobody")
	if !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, err = db.LoadContext(context.Background(), "nobody", 1)
	if !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("LoadContext err = %v, want ErrNotFound", err)
	}
}

func TestSaveTurnRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	w := sampleTurn("c1", 1, 3, "Can you help?")

	if err := db.SaveTurn(ctx, w); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	got, err := db.LatestConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("LatestConversation: %v", err)
	}
	opts := cmpopts.EquateApproxTime(time.Millisecond)
	if diff := cmp.Diff(&w.State, got, opts); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}

	cs, err := db.LoadContext(ctx, "c1", 1)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if diff := cmp.Diff(&w.Context, cs); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}

	n, err := db.CountUserMessages(ctx, "c1", 1)
	if err != nil || n != 1 {
		t.Errorf("CountUserMessages = %d, %v; want 1", n, err)
	}
}

func TestSaveTurnUpdatesInPlace(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveTurn(ctx, sampleTurn("c1", 1, 1, "one")); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	w := sampleTurn("c1", 1, 2, "two")
	w.State.ApplyWarmth(engine.WarmthMIGHT)
	if err := db.SaveTurn(ctx, w); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	all, err := db.ListConversations(ctx, "c1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(all) != 1 || all[0].MaxWarmthAchieved != engine.WarmthMIGHT {
		t.Errorf("conversations = %+v", all)
	}
	cs, _ := db.LoadContext(ctx, "c1", 1)
	if cs.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", cs.TurnCount)
	}
	if n, _ := db.CountUserMessages(ctx, "c1", 1); n != 2 {
		t.Errorf("user messages = %d, want 2", n)
	}
}

func TestSaveTurnAtomic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	w := sampleTurn("c1", 1, 1, "hello")
	w.Message.Role = "narrator" // rejected by the role check
	if err := db.SaveTurn(ctx, w); err == nil {
		t.Fatal("expected SaveTurn to fail")
	}
	if _, err := db.LatestConversation(ctx, "c1"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("conversation written despite failed message insert: %v", err)
	}
}

func TestSaveTurnRejectsInvalid(t *testing.T) {
	db := testDB(t)
	w := sampleTurn("", 1, 1, "")
	if err := db.SaveTurn(context.Background(), w); err == nil {
		t.Error("expected error for empty chat id")
	}
}

func TestLatestConversationPicksHighestNumber(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for _, n := range []int{1, 3, 2} {
		if err := db.SaveTurn(ctx, sampleTurn("c1", n, 1, "m")); err != nil {
			t.Fatalf("SaveTurn %d: %v", n, err)
		}
	}
	got, err := db.LatestConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("LatestConversation: %v", err)
	}
	if got.ConversationNumber != 3 {
		t.Errorf("latest = %d, want 3", got.ConversationNumber)
	}
	if n, _ := db.CountUserMessages(ctx, "c1", 2); n != 1 {
		t.Errorf("messages are not scoped to their conversation: %d", n)
	}

	recent, err := db.RecentChats(ctx, 10)
	if err != nil {
		t.Fatalf("RecentChats: %v", err)
	}
	if len(recent) != 1 || recent[0].ConversationNumber != 3 {
		t.Errorf("recent = %+v", recent)
	}
}

func TestMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveTurn(ctx, sampleTurn("c1", 1, 1, "question")); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	w := sampleTurn("c1", 1, 1, "")
	w.Message = &engine.Message{Role: "assistant", Content: "answer", Turn: 1}
	if err := db.SaveTurn(ctx, w); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	msgs, err := db.Messages(ctx, "c1", 1)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "question" || msgs[1].Role != "assistant" {
		t.Errorf("messages = %+v", msgs)
	}
	if n, _ := db.CountUserMessages(ctx, "c1", 1); n != 1 {
		t.Errorf("assistant messages counted as user: %d", n)
	}
}

func TestConversationHonoursContext(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := db.SaveTurn(ctx, sampleTurn("c1", 1, 1, "m")); err == nil {
		t.Error("expected error on cancelled context")
	}
}
