package session

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/kotori/internal/anki"
)

func TestNewContextStartsAtGreeting(t *testing.T) {
	sc := NewContext("english", "Kotori")
	if sc.Node != NodeGreeting {
		t.Errorf("node = %s, want greeting", sc.Node)
	}
	if sc.ID == "" {
		t.Error("empty session id")
	}
	if !sc.Node.Valid() {
		t.Error("initial node not in the closed set")
	}
}

func TestApplyPatchMonotonic(t *testing.T) {
	sc := NewContext("english", "Kotori")
	sc.Append(NewMessage(RoleUser, "hi"))

	goals := "travel vocabulary"
	card := anki.Card{ID: 1, Front: "dog", Back: "犬"}
	sc.Apply(Patch{
		LearningGoals:     &goals,
		SetActiveCard:     &card,
		SetQueue:          []anki.Card{{ID: 2}},
		QueueSet:          true,
		AppendMessages:    []Message{NewMessage(RoleAssistant, "hello")},
		AppendAssessments: []AssessmentRecord{{CardID: 1, Overall: 4}},
		AddOpportunities:  []string{"vocab gap: umbrella"},
	})

	if sc.LearningGoals != goals {
		t.Errorf("goals = %q", sc.LearningGoals)
	}
	if sc.ActiveCard == nil || sc.ActiveCard.ID != 1 {
		t.Errorf("active card = %+v", sc.ActiveCard)
	}
	if len(sc.History) != 2 {
		t.Errorf("history length = %d, want 2 (append only)", len(sc.History))
	}
	if len(sc.Queue) != 1 || len(sc.Assessments) != 1 {
		t.Errorf("queue = %d assessments = %d", len(sc.Queue), len(sc.Assessments))
	}

	// duplicate opportunities collapse, empty patch changes nothing
	sc.Apply(Patch{AddOpportunities: []string{"vocab gap: umbrella"}})
	if len(sc.Opportunities) != 1 {
		t.Errorf("opportunities = %v, want deduplicated", sc.Opportunities)
	}
	sc.Apply(Patch{})
	if sc.LearningGoals != goals || sc.ActiveCard == nil {
		t.Error("empty patch must not clear fields")
	}
}

func TestApplyClearActiveCard(t *testing.T) {
	sc := NewContext("english", "Kotori")
	card := anki.Card{ID: 1}
	sc.Apply(Patch{SetActiveCard: &card})
	sc.Apply(Patch{ClearActiveCard: true})
	if sc.ActiveCard != nil {
		t.Error("active card not cleared")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	sc := NewContext("english", "Kotori")
	sc.Node = NodeVocabPractice
	sc.TurnCount = 7
	sc.Level = "beginner"
	card := anki.Card{ID: 3, Front: "cat", Back: "猫", Deck: "Kotori"}
	sc.ActiveCard = &card
	sc.Assessments = []AssessmentRecord{
		{CardID: 1, Overall: 3, Timestamp: time.Now()},
		{CardID: 2, Overall: 5, Timestamp: time.Now()},
	}

	raw, err := json.Marshal(sc.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored State
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if restored.CurrentNode != NodeVocabPractice || restored.TurnCounter != 7 {
		t.Errorf("restored = %+v", restored)
	}
	if len(restored.AssessmentHistory) != 2 ||
		restored.AssessmentHistory[0].CardID != 1 ||
		restored.AssessmentHistory[1].CardID != 2 {
		t.Errorf("assessment ordering lost: %+v", restored.AssessmentHistory)
	}
}

func TestRecentHistory(t *testing.T) {
	sc := NewContext("english", "Kotori")
	for i := 0; i < 5; i++ {
		sc.Append(NewMessage(RoleUser, "msg"))
	}
	if got := len(sc.RecentHistory(3)); got != 3 {
		t.Errorf("recent = %d, want 3", got)
	}
	if got := len(sc.RecentHistory(10)); got != 5 {
		t.Errorf("recent = %d, want all 5", got)
	}
	if got := len(sc.RecentHistory(0)); got != 5 {
		t.Errorf("recent(0) = %d, want all", got)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(nil)
	sc := reg.Create("english", "Kotori")

	got, err := reg.Get(sc.ID)
	if err != nil || got.ID != sc.ID {
		t.Fatalf("Get = %v, %v", got, err)
	}

	if err := reg.Close(sc.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sc.Node != NodeEnd || !sc.Closed {
		t.Errorf("closed session node = %s closed = %v", sc.Node, sc.Closed)
	}
	if _, err := reg.Get(sc.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
	if err := reg.Close(sc.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("double close = %v, want not found", err)
	}
}

func TestRegistryByKey(t *testing.T) {
	reg := NewRegistry(nil)
	a := reg.GetOrCreateByKey("telegram:123", "english", "Kotori")
	b := reg.GetOrCreateByKey("telegram:123", "english", "Kotori")
	if a.ID != b.ID {
		t.Error("same key must return same session")
	}
	c := reg.GetOrCreateByKey("telegram:456", "english", "Kotori")
	if c.ID == a.ID {
		t.Error("different key must return different session")
	}

	// closing rebinds the key to a fresh session on next contact
	reg.Close(a.ID)
	d := reg.GetOrCreateByKey("telegram:123", "english", "Kotori")
	if d.ID == a.ID {
		t.Error("closed session must not be reused")
	}
}

func TestRegistrySweep(t *testing.T) {
	reg := NewRegistry(nil)
	stale := reg.Create("english", "Kotori")
	stale.LastActivity = time.Now().Add(-3 * time.Hour)
	fresh := reg.Create("english", "Kotori")

	if n := reg.Sweep(2 * time.Hour); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if _, err := reg.Get(stale.ID); err == nil {
		t.Error("stale session survived sweep")
	}
	if _, err := reg.Get(fresh.ID); err != nil {
		t.Error("fresh session evicted")
	}
}

func TestStoreArchiveAndTranscript(t *testing.T) {
	store, err := NewStore(t.TempDir() + "/kotori.db")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	reg := NewRegistry(store)
	sc := reg.Create("english", "Kotori")
	sc.Lock()
	sc.Append(NewMessage(RoleUser, "hi"))
	sc.Append(NewMessage(RoleAssistant, "hello!"))
	sc.Assessments = append(sc.Assessments, AssessmentRecord{CardID: 1, Overall: 4, Timestamp: time.Now()})
	sc.Unlock()

	if err := reg.Close(sc.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	transcript, err := store.Transcript(sc.ID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if !strings.Contains(transcript, "USER: hi") || !strings.Contains(transcript, "ASSISTANT: hello!") {
		t.Errorf("transcript = %q", transcript)
	}

	if _, err := store.Transcript("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestToolCallMessage(t *testing.T) {
	tc := ToolCall{ID: "c1", Tool: "find-cards", Status: ToolSuccess, Result: `{"count":2}`}
	msg := tc.Message()
	if msg.Role != RoleTool || msg.Content != `{"count":2}` {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Meta["tool"] != "find-cards" || msg.Meta["call_id"] != "c1" {
		t.Errorf("meta = %v", msg.Meta)
	}

	failed := ToolCall{ID: "c2", Tool: "add-card", Status: ToolError, Reason: "invalid arguments"}
	if got := failed.Message().Content; got != "invalid arguments" {
		t.Errorf("error content = %q", got)
	}
}
