package anki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type rpcCall struct {
	Action  string          `json:"action"`
	Version int             `json:"version"`
	Params  json.RawMessage `json:"params"`
}

func newTestServer(t *testing.T, handler func(call rpcCall) (any, string)) (*httptest.Server, *HTTPClient) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if call.Version != protocolVersion {
			t.Errorf("version = %d, want %d", call.Version, protocolVersion)
		}
		result, errMsg := handler(call)
		resp := map[string]any{"result": result}
		if errMsg != "" {
			resp["error"] = errMsg
		} else {
			resp["error"] = nil
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, NewHTTPClient(srv.URL, 5*time.Second)
}

func TestFindCardsPriorityLadder(t *testing.T) {
	var queries []string
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		switch call.Action {
		case "findCards":
			var params struct {
				Query string `json:"query"`
			}
			json.Unmarshal(call.Params, &params)
			queries = append(queries, params.Query)
			// nothing due or learning, one review card
			if params.Query == `deck:"Kotori" is:review` {
				return []int64{101}, ""
			}
			return []int64{}, ""
		case "cardsInfo":
			return []cardInfo{{
				CardID:   101,
				DeckName: "Kotori",
				Question: "<b>cat</b>",
				Answer:   "<div>neko</div>",
			}}, ""
		}
		t.Fatalf("unexpected action %s", call.Action)
		return nil, ""
	})

	cards, err := client.FindCards(context.Background(), "Kotori", 3)
	if err != nil {
		t.Fatalf("FindCards: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("got %d cards, want 1", len(cards))
	}
	if cards[0].Front != "cat" || cards[0].Back != "neko" {
		t.Errorf("HTML not stripped: front=%q back=%q", cards[0].Front, cards[0].Back)
	}

	want := []string{`deck:"Kotori" is:due`, `deck:"Kotori" is:learn`, `deck:"Kotori" is:review`}
	if len(queries) != len(want) {
		t.Fatalf("queries = %v, want %v", queries, want)
	}
	for i := range want {
		if queries[i] != want[i] {
			t.Errorf("query[%d] = %q, want %q", i, queries[i], want[i])
		}
	}
}

func TestFindCardsEmptyDeck(t *testing.T) {
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		if call.Action != "findCards" {
			t.Fatalf("unexpected action %s", call.Action)
		}
		return []int64{}, ""
	})

	cards, err := client.FindCards(context.Background(), "Empty", 3)
	if err != nil {
		t.Fatalf("FindCards: %v", err)
	}
	if len(cards) != 0 {
		t.Errorf("got %d cards, want 0", len(cards))
	}
}

func TestFindCardsLimit(t *testing.T) {
	var infoCount int
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		switch call.Action {
		case "findCards":
			return []int64{1, 2, 3, 4, 5}, ""
		case "cardsInfo":
			var params struct {
				Cards []int64 `json:"cards"`
			}
			json.Unmarshal(call.Params, &params)
			infoCount = len(params.Cards)
			infos := make([]cardInfo, len(params.Cards))
			for i, id := range params.Cards {
				infos[i] = cardInfo{CardID: id, DeckName: "Kotori"}
			}
			return infos, ""
		}
		return nil, ""
	})

	cards, err := client.FindCards(context.Background(), "Kotori", 2)
	if err != nil {
		t.Fatalf("FindCards: %v", err)
	}
	if len(cards) != 2 || infoCount != 2 {
		t.Errorf("got %d cards (info batch %d), want 2", len(cards), infoCount)
	}
}

func TestAddCard(t *testing.T) {
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		if call.Action != "addNote" {
			t.Fatalf("unexpected action %s", call.Action)
		}
		var params struct {
			Note struct {
				DeckName string            `json:"deckName"`
				Fields   map[string]string `json:"fields"`
			} `json:"note"`
		}
		json.Unmarshal(call.Params, &params)
		if params.Note.Fields["Front"] != "dog" || params.Note.Fields["Back"] != "inu" {
			t.Errorf("fields = %v", params.Note.Fields)
		}
		return int64(5555), ""
	})

	id, err := client.AddCard(context.Background(), "Kotori", "dog", "inu")
	if err != nil {
		t.Fatalf("AddCard: %v", err)
	}
	if id != 5555 {
		t.Errorf("id = %d, want 5555", id)
	}
}

func TestAnswerCard(t *testing.T) {
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		return []bool{true}, ""
	})
	if err := client.AnswerCard(context.Background(), 42, EaseGood); err != nil {
		t.Fatalf("AnswerCard: %v", err)
	}
	if err := client.AnswerCard(context.Background(), 42, Ease(7)); err == nil {
		t.Error("expected error for invalid ease")
	}
}

func TestAnswerCardRejected(t *testing.T) {
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		return []bool{false}, ""
	})
	if err := client.AnswerCard(context.Background(), 42, EaseAgain); err == nil {
		t.Error("expected error when service rejects the answer")
	}
}

func TestServiceError(t *testing.T) {
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		return nil, "collection is not available"
	})
	_, err := client.FindCards(context.Background(), "Kotori", 3)
	if err == nil {
		t.Fatal("expected service error")
	}
}

func TestCheckConnection(t *testing.T) {
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		if call.Action != "version" {
			t.Fatalf("unexpected action %s", call.Action)
		}
		return protocolVersion, ""
	})
	ok, err := client.CheckConnection(context.Background())
	if err != nil || !ok {
		t.Errorf("CheckConnection = %v, %v; want true, nil", ok, err)
	}

	// same result twice: the probe has no side effects
	ok2, _ := client.CheckConnection(context.Background())
	if ok2 != ok {
		t.Error("CheckConnection not stable across calls")
	}
}

func TestCheckConnectionDown(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", 500*time.Millisecond)
	ok, err := client.CheckConnection(context.Background())
	if err != nil {
		t.Fatalf("connectivity failure should not be an error: %v", err)
	}
	if ok {
		t.Error("CheckConnection = true for unreachable service")
	}
}

func TestDeckStats(t *testing.T) {
	_, client := newTestServer(t, func(call rpcCall) (any, string) {
		return map[string]DeckStats{
			"1682077600000": {Name: "Kotori", NewCount: 2, ReviewCount: 7, Total: 40},
		}, ""
	})
	stats, err := client.DeckStats(context.Background(), "Kotori")
	if err != nil {
		t.Fatalf("DeckStats: %v", err)
	}
	if stats.ReviewCount != 7 || stats.Total != 40 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEaseString(t *testing.T) {
	cases := map[Ease]string{EaseAgain: "again", EaseHard: "hard", EaseGood: "good", EaseEasy: "easy"}
	for ease, want := range cases {
		if got := ease.String(); got != want {
			t.Errorf("Ease(%d).String() = %q, want %q", int(ease), got, want)
		}
	}
}
