package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"carelink/pkg/ai"
	"carelink/pkg/domain"
	"carelink/pkg/store"
)

type fakeGenerator struct {
	text  string
	err   error
	calls int
}

func (f *fakeGenerator) Complete(_ context.Context, _ string, _ []ai.Turn) (ai.Completion, error) {
	f.calls++
	if f.err != nil {
		return ai.Completion{}, f.err
	}
	return ai.Completion{Text: f.text, Model: "test-model", TotalTokens: 10}, nil
}

type fakeRetriever struct {
	text  string
	calls int
}

func (f *fakeRetriever) RetrieveAnswer(_ context.Context, _, _, _ string) (ai.Completion, error) {
	f.calls++
	return ai.Completion{Text: f.text}, nil
}

type fakeClassifier struct {
	category   string
	confidence float64
	err        error
}

func (f *fakeClassifier) ClassifyTopic(context.Context, string) (ai.Classification, error) {
	if f.err != nil {
		return ai.Classification{}, f.err
	}
	return ai.Classification{Category: f.category, Confidence: f.confidence}, nil
}

func newChatApp(t *testing.T, generator *fakeGenerator, retriever *fakeRetriever, classifier *fakeClassifier) (*App, *store.MemoryStore) {
	t.Helper()
	dataStore := store.NewMemoryStore()
	if err := dataStore.SaveFamily(domain.Family{ID: "fam-1", Name: "佐藤家"}); err != nil {
		t.Fatalf("save family: %v", err)
	}
	cfg := Config{Store: dataStore, Generator: generator, HistoryLimit: 20}
	if retriever != nil {
		cfg.Retriever = retriever
	}
	if classifier != nil {
		cfg.Classifier = classifier
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, dataStore
}

func memberTurn(content string) TurnInput {
	return TurnInput{
		FamilyID: "fam-1",
		UserID:   "user-1",
		Role:     domain.RoleMember,
		Content:  content,
	}
}

func TestAppendTurnDerivesTitleFromFirstMessage(t *testing.T) {
	a, _ := newChatApp(t, &fakeGenerator{text: "承知しました"}, nil, nil)

	first := "父の夜間のトイレ介助がつらくなってきました。何か良い方法はありますか"
	res, err := a.AppendTurn(context.Background(), memberTurn(first))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	want := string([]rune(first)[:30])
	if res.Title != want {
		t.Fatalf("title = %q, want first 30 runes %q", res.Title, want)
	}

	second := memberTurn("ありがとうございます。ほかの方法もありますか")
	second.ConversationID = res.ConversationID
	res2, err := a.AppendTurn(context.Background(), second)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if res2.ConversationID != res.ConversationID {
		t.Fatalf("second turn created a new conversation")
	}
	if res2.Title != want {
		t.Fatalf("second turn changed title to %q", res2.Title)
	}
}

func TestAppendTurnReadOnlyRoleForbidden(t *testing.T) {
	a, dataStore := newChatApp(t, &fakeGenerator{text: "reply"}, nil, nil)

	in := memberTurn("こんにちは")
	in.Role = domain.RoleExternal
	if _, err := a.AppendTurn(context.Background(), in); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	convs, _ := dataStore.ListConversationsByFamily("fam-1", 10)
	if len(convs) != 0 {
		t.Fatalf("forbidden turn created %d conversations", len(convs))
	}
}

func TestAppendTurnClassificationFailureDoesNotBlockReply(t *testing.T) {
	classifier := &fakeClassifier{err: errors.New("model returned garbage")}
	a, dataStore := newChatApp(t, &fakeGenerator{text: "返信です"}, nil, classifier)

	res, err := a.AppendTurn(context.Background(), memberTurn("薬の飲み忘れが心配です"))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if res.Reply != "返信です" {
		t.Fatalf("reply = %q", res.Reply)
	}
	msgs, _ := dataStore.ListRecentMessages(res.ConversationID, 10)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Category != nil || msgs[0].CategoryConfidence != nil {
		t.Fatalf("failed classification must store nulls, got %+v", msgs[0])
	}
}

func TestAppendTurnStoresClassification(t *testing.T) {
	classifier := &fakeClassifier{category: "medical", confidence: 0.92}
	a, dataStore := newChatApp(t, &fakeGenerator{text: "返信"}, nil, classifier)

	res, err := a.AppendTurn(context.Background(), memberTurn("血圧の薬について"))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	msgs, _ := dataStore.ListRecentMessages(res.ConversationID, 10)
	if msgs[0].Category == nil || *msgs[0].Category != domain.TopicMedical {
		t.Fatalf("category not stored: %+v", msgs[0])
	}
	if msgs[0].CategoryConfidence == nil || *msgs[0].CategoryConfidence != 0.92 {
		t.Fatalf("confidence not stored: %+v", msgs[0])
	}
}

func TestAppendTurnOutOfRangeConfidenceStoredAsNull(t *testing.T) {
	classifier := &fakeClassifier{category: "medical", confidence: 1.4}
	a, dataStore := newChatApp(t, &fakeGenerator{text: "返信"}, nil, classifier)

	res, err := a.AppendTurn(context.Background(), memberTurn("質問です"))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	msgs, _ := dataStore.ListRecentMessages(res.ConversationID, 10)
	if msgs[0].Category != nil || msgs[0].CategoryConfidence != nil {
		t.Fatalf("out-of-range confidence must null both fields, got %+v", msgs[0])
	}
}

func TestAppendTurnEmptyGenerationFallsBackToApology(t *testing.T) {
	a, _ := newChatApp(t, &fakeGenerator{text: "   "}, nil, nil)

	res, err := a.AppendTurn(context.Background(), memberTurn("こんにちは"))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if res.Reply != apologyReply {
		t.Fatalf("reply = %q, want apology", res.Reply)
	}
}

func TestAppendTurnGenerationErrorFallsBackToApology(t *testing.T) {
	a, dataStore := newChatApp(t, &fakeGenerator{err: errors.New("service down")}, nil, nil)

	res, err := a.AppendTurn(context.Background(), memberTurn("こんにちは"))
	if err != nil {
		t.Fatalf("turn must complete despite generation failure: %v", err)
	}
	msgs, _ := dataStore.ListRecentMessages(res.ConversationID, 10)
	if len(msgs) != 2 || msgs[1].Content != apologyReply {
		t.Fatalf("apology not persisted: %+v", msgs)
	}
}

func TestAppendTurnUsesRetrievalOnlyWithProvisionedIndex(t *testing.T) {
	generator := &fakeGenerator{text: "plain"}
	retriever := &fakeRetriever{text: "grounded"}
	a, dataStore := newChatApp(t, generator, retriever, nil)

	in := memberTurn("資料を見て教えてください")
	in.RetrievalRequested = true
	res, err := a.AppendTurn(context.Background(), in)
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if retriever.calls != 0 || generator.calls != 1 {
		t.Fatalf("no index yet: retriever=%d generator=%d", retriever.calls, generator.calls)
	}
	if res.Reply != "plain" {
		t.Fatalf("reply = %q", res.Reply)
	}

	if _, err := dataStore.SetFamilyVectorStoreID("fam-1", "vs-1"); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	in.ConversationID = res.ConversationID
	res2, err := a.AppendTurn(context.Background(), in)
	if err != nil {
		t.Fatalf("retrieval turn: %v", err)
	}
	if retriever.calls != 1 {
		t.Fatalf("retriever not used with provisioned index")
	}
	if res2.Reply != "grounded" {
		t.Fatalf("reply = %q", res2.Reply)
	}
	msgs, _ := dataStore.ListRecentMessages(res.ConversationID, 10)
	if !msgs[2].RetrievalRequested {
		t.Fatalf("retrieval flag not recorded on user message")
	}
}

func TestAppendTurnArchivedConversationSpawnsNew(t *testing.T) {
	a, _ := newChatApp(t, &fakeGenerator{text: "reply"}, nil, nil)

	res, err := a.AppendTurn(context.Background(), memberTurn("最初の相談"))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if err := a.Archive("fam-1", res.ConversationID, "user-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	in := memberTurn("続きの相談")
	in.ConversationID = res.ConversationID
	res2, err := a.AppendTurn(context.Background(), in)
	if err != nil {
		t.Fatalf("turn after archive: %v", err)
	}
	if res2.ConversationID == res.ConversationID {
		t.Fatalf("archived conversation was reused")
	}
}

func TestAppendTurnIdempotentRetry(t *testing.T) {
	generator := &fakeGenerator{text: "一度だけの返信"}
	a, dataStore := newChatApp(t, generator, nil, nil)

	in := memberTurn("接続が不安定です")
	res, err := a.AppendTurn(context.Background(), in)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	retry := memberTurn("接続が不安定です")
	retry.ConversationID = res.ConversationID
	retry.ClientKey = "retry-key"
	res2, err := a.AppendTurn(context.Background(), retry)
	if err != nil {
		t.Fatalf("keyed turn: %v", err)
	}
	res3, err := a.AppendTurn(context.Background(), retry)
	if err != nil {
		t.Fatalf("retried turn: %v", err)
	}
	if res3.Reply != res2.Reply || res3.ConversationID != res2.ConversationID {
		t.Fatalf("retry diverged: %+v vs %+v", res3, res2)
	}
	msgs, _ := dataStore.ListRecentMessages(res.ConversationID, 20)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (retry must not append)", len(msgs))
	}
	if generator.calls != 2 {
		t.Fatalf("generator calls = %d, want 2", generator.calls)
	}
}

func TestMessageOrderingWithinConversation(t *testing.T) {
	a, dataStore := newChatApp(t, &fakeGenerator{text: "reply"}, nil, nil)

	res, err := a.AppendTurn(context.Background(), memberTurn("一つ目"))
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	for _, content := range []string{"二つ目", "三つ目"} {
		in := memberTurn(content)
		in.ConversationID = res.ConversationID
		if _, err := a.AppendTurn(context.Background(), in); err != nil {
			t.Fatalf("turn %q: %v", content, err)
		}
	}

	msgs, _ := dataStore.ListRecentMessages(res.ConversationID, 20)
	if len(msgs) != 6 {
		t.Fatalf("messages = %d, want 6", len(msgs))
	}
	var prev time.Time
	for i, msg := range msgs {
		if msg.CreatedAt.Before(prev) {
			t.Fatalf("message %d out of order", i)
		}
		prev = msg.CreatedAt
		wantRole := domain.MessageRoleUser
		if i%2 == 1 {
			wantRole = domain.MessageRoleAssistant
		}
		if msg.Role != wantRole {
			t.Fatalf("message %d role = %s, want %s", i, msg.Role, wantRole)
		}
	}
}

func TestRenameAndEmptyRenameRejected(t *testing.T) {
	a, dataStore := newChatApp(t, &fakeGenerator{text: "reply"}, nil, nil)

	res, err := a.AppendTurn(context.Background(), memberTurn("最初の相談"))
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if err := a.Rename("fam-1", res.ConversationID, "  通院メモ  "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	conv, _, _ := dataStore.GetConversation(res.ConversationID)
	if conv.Title != "通院メモ" {
		t.Fatalf("title = %q, want trimmed rename", conv.Title)
	}

	if err := a.Rename("fam-1", res.ConversationID, "   "); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("empty rename err = %v, want ErrEmptyTitle", err)
	}
	conv, _, _ = dataStore.GetConversation(res.ConversationID)
	if conv.Title != "通院メモ" {
		t.Fatalf("rejected rename changed title to %q", conv.Title)
	}
}

func TestListMessagesScopedToFamily(t *testing.T) {
	a, dataStore := newChatApp(t, &fakeGenerator{text: "reply"}, nil, nil)
	if err := dataStore.SaveFamily(domain.Family{ID: "fam-2", Name: "鈴木家"}); err != nil {
		t.Fatalf("save family: %v", err)
	}

	res, err := a.AppendTurn(context.Background(), memberTurn("家族だけの相談"))
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if _, err := a.ListMessages("fam-2", res.ConversationID, 10); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("cross-family read err = %v, want ErrConversationNotFound", err)
	}
	msgs, err := a.ListMessages("fam-1", res.ConversationID, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("owner read: msgs=%d err=%v", len(msgs), err)
	}
}

func TestDeriveTitleFallsBackForBlankMessage(t *testing.T) {
	if got := deriveTitle("   \n  "); got != defaultConversationTitle {
		t.Fatalf("deriveTitle blank = %q", got)
	}
	if got := deriveTitle("短い相談"); got != "短い相談" {
		t.Fatalf("deriveTitle short = %q", got)
	}
	long := strings.Repeat("介護", 40)
	if got := deriveTitle(long); got != strings.Repeat("介護", 15) {
		t.Fatalf("deriveTitle long = %q", got)
	}
}
