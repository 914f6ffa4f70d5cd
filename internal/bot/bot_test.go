package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/BTreeMap/TicketPipe/internal/messaging"
	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/store"
	"github.com/BTreeMap/TicketPipe/internal/testutil"
)

const testUser = "79099091234"

type harness struct {
	bot   *Bot
	store *store.InMemoryStore
	svc   *testutil.FakeService
	seq   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := testutil.DefaultRegistry(t)
	st := store.NewInMemoryStore()
	svc := testutil.NewFakeService()
	svc.SetName(testUser, "Иван")
	sender := store.NewOutboxSender(st, messaging.NewOutboxSendFunc(svc), 0)
	b := New(reg, testutil.NewEngine(t, reg), st, st,
		WithFlusher(sender), WithDeliver(messaging.DeliverFunc(svc)))
	return &harness{bot: b, store: st, svc: svc}
}

// say delivers text as a new message and returns what the bot sent back.
func (h *harness) say(t *testing.T, text string) []testutil.Sent {
	t.Helper()
	h.seq++
	h.svc.Reset()
	ev := models.Event{Type: models.EventTypeMessageNew, MessageID: fmt.Sprintf("msg-%d", h.seq), From: testUser, Text: text}
	if err := h.bot.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent(%q) failed: %v", text, err)
	}
	return h.svc.Sent()
}

func (h *harness) state(t *testing.T) *models.DialogueState {
	t.Helper()
	var st *models.DialogueState
	err := h.store.RunInTx(context.Background(), func(tx store.Tx) error {
		var err error
		st, err = tx.GetDialogueState(testUser)
		return err
	})
	if err != nil {
		t.Fatalf("GetDialogueState failed: %v", err)
	}
	return st
}

func onlyText(t *testing.T, sent []testutil.Sent) string {
	t.Helper()
	if len(sent) != 1 || sent[0].Text == "" {
		t.Fatalf("expected a single text message, got %+v", sent)
	}
	return sent[0].Text
}

func TestDefaultReplyWhenIdle(t *testing.T) {
	h := newHarness(t)
	got := onlyText(t, h.say(t, "как дела?"))
	if !strings.HasPrefix(got, "Иван, Не знаю, как на это ответить.") {
		t.Errorf("unexpected default reply: %q", got)
	}
	if h.state(t) != nil {
		t.Error("default reply must not create state")
	}
}

func TestBuyTicketScenario(t *testing.T) {
	h := newHarness(t)

	steps := []struct {
		in   string
		want string
	}{
		{"Привет", "Иван, Привет! Я продаю авиабилеты."},
		{"Хочу купить билет.", "Иван, Введите город отправления."},
		{"Самара", "Иван, Введите город назначения."},
		{"Москва", "Иван, Введите дату вылета"},
		{"20-09-2020", "Иван, Выберите рейс, введя его номер:\n" +
			"Рейс: FL-SB 2404. Дата: 20-09-2020. Время вылета: 08:00\n" +
			"Рейс: FL-SB 2504. Дата: 25-09-2020. Время вылета: 06:00\n"},
		{"FL-SB 2504", "Иван, Сколько мест"},
		{"5", "Иван, Оставьте комментарий"},
		{"Хочу сидеть у окна", "Иван, Проверьте данные: Самара - Москва, 25-09-2020, рейс FL-SB 2504"},
		{"Да", "Иван, Введите номер телефона"},
	}
	for _, step := range steps {
		got := onlyText(t, h.say(t, step.in))
		if !strings.HasPrefix(got, step.want) {
			t.Fatalf("after %q: expected prefix %q, got %q", step.in, step.want, got)
		}
	}

	sent := h.say(t, "89099091234")
	if len(sent) != 2 {
		t.Fatalf("expected text and ticket, got %+v", sent)
	}
	if sent[0].Text != "Иван, Спасибо за покупку! Ваш билет ниже, мы позвоним по номеру 89099091234." {
		t.Errorf("unexpected final text: %q", sent[0].Text)
	}
	if string(sent[1].Image) != string(testutil.FakeTicket) {
		t.Errorf("expected ticket image, got %q", sent[1].Image)
	}

	if st := h.state(t); st != nil {
		t.Errorf("state should be deleted after completion, got %+v", st)
	}
	bookings, err := h.store.ListBookings(context.Background(), testUser)
	if err != nil {
		t.Fatalf("ListBookings failed: %v", err)
	}
	if len(bookings) != 1 {
		t.Fatalf("expected exactly one booking, got %d", len(bookings))
	}
	b := bookings[0]
	if b.Origin != "Самара" || b.Destination != "Москва" || b.Date != "25-09-2020" || b.Time != "06:00" ||
		b.Flight != "FL-SB 2504" || b.Seats != 5 || b.Comment != "Хочу сидеть у окна" || b.Phone != "89099091234" {
		t.Errorf("unexpected booking: %+v", b)
	}
}

func TestIntentOverridesScenario(t *testing.T) {
	h := newHarness(t)
	h.say(t, "купить билет")
	h.say(t, "Самара")
	if st := h.state(t); st == nil || st.Context.Origin != "Самара" {
		t.Fatalf("expected origin to be collected, got %+v", st)
	}

	got := onlyText(t, h.say(t, "помощь"))
	if !strings.Contains(got, "Я помогу купить авиабилет") {
		t.Errorf("expected help answer, got %q", got)
	}
	if st := h.state(t); st != nil {
		t.Errorf("help intent should discard state, got %+v", st)
	}

	h.say(t, "купить билет")
	h.say(t, "Москва")
	got = onlyText(t, h.say(t, "билет"))
	if got != "Иван, Введите город отправления." {
		t.Errorf("expected restart at first step, got %q", got)
	}
	if st := h.state(t); st == nil || st.StepName != "step_1" || st.Context.Origin != "" {
		t.Errorf("expected fresh state, got %+v", st)
	}
}

func TestRetryAndAbort(t *testing.T) {
	h := newHarness(t)
	h.say(t, "купить билет")

	got := onlyText(t, h.say(t, "Атлантида"))
	if !strings.Contains(got, "Такого города нет") {
		t.Errorf("expected failure text, got %q", got)
	}
	if st := h.state(t); st == nil || st.StepName != "step_1" {
		t.Fatalf("retry must keep the step, got %+v", st)
	}

	h.say(t, "Самара")
	got = onlyText(t, h.say(t, "Нью-Йорк"))
	if !strings.Contains(got, "Из города Самара в город Нью-Йорк рейсов нет") {
		t.Errorf("expected finish text, got %q", got)
	}
	if st := h.state(t); st != nil {
		t.Errorf("abort must delete state, got %+v", st)
	}
}

func TestDuplicateMessageIgnored(t *testing.T) {
	h := newHarness(t)
	ev := models.Event{Type: models.EventTypeMessageNew, MessageID: "dup-1", From: testUser, Text: "купить билет"}
	ctx := context.Background()

	if err := h.bot.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	first := len(h.svc.Sent())
	if err := h.bot.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("duplicate HandleEvent failed: %v", err)
	}
	if len(h.svc.Sent()) != first {
		t.Errorf("duplicate must not produce replies: %+v", h.svc.Sent())
	}
}

type failingStore struct {
	*store.InMemoryStore
}

func (f failingStore) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return errors.New("database is down")
}

func TestErrorAnswerOnFailure(t *testing.T) {
	reg := testutil.DefaultRegistry(t)
	mem := store.NewInMemoryStore()
	svc := testutil.NewFakeService()
	b := New(reg, testutil.NewEngine(t, reg), failingStore{mem}, mem, WithDeliver(messaging.DeliverFunc(svc)))

	err := b.HandleEvent(context.Background(), models.Event{Type: models.EventTypeMessageNew, From: testUser, Text: "привет"})
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	texts := svc.Texts()
	if len(texts) != 1 || texts[0] != reg.ErrorAnswer {
		t.Errorf("expected error answer, got %v", texts)
	}
	if len(mem.OutboxMessages()) != 0 {
		t.Error("nothing should be enqueued on failure")
	}
}

func TestLongCyrillicMessageIsProcessed(t *testing.T) {
	h := newHarness(t)
	got := onlyText(t, h.say(t, strings.Repeat("а", 3000)))
	if !strings.HasPrefix(got, "Иван, Не знаю, как на это ответить.") {
		t.Errorf("expected the default reply, got %q", got)
	}
}

func TestErrorAnswerOnOversizedMessage(t *testing.T) {
	reg := testutil.DefaultRegistry(t)
	mem := store.NewInMemoryStore()
	svc := testutil.NewFakeService()
	b := New(reg, testutil.NewEngine(t, reg), mem, mem, WithDeliver(messaging.DeliverFunc(svc)))

	ev := models.Event{Type: models.EventTypeMessageNew, From: testUser, Text: strings.Repeat("а", models.MaxMessageTextLength+1)}
	if err := b.HandleEvent(context.Background(), ev); !errors.Is(err, models.ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
	texts := svc.Texts()
	if len(texts) != 1 || texts[0] != reg.ErrorAnswer {
		t.Errorf("expected error answer, got %v", texts)
	}
	if len(mem.OutboxMessages()) != 0 {
		t.Error("nothing should be enqueued for an invalid event")
	}
}

func TestAbortSignalFromMixedAnswer(t *testing.T) {
	h := newHarness(t)
	h.say(t, "купить билет")
	h.say(t, "Самара")

	got := onlyText(t, h.say(t, "Нью-Йорк Москва"))
	if !strings.Contains(got, "Введите дату вылета") {
		t.Fatalf("expected the date step, got %q", got)
	}
	if st := h.state(t); st == nil || !st.Aborting {
		t.Fatalf("expected persisted abort flag, got %+v", st)
	}

	got = onlyText(t, h.say(t, "ерунда"))
	if !strings.Contains(got, "рейсов из города Самара в город Москва нет") {
		t.Errorf("expected finish text, got %q", got)
	}
	if st := h.state(t); st != nil {
		t.Errorf("abort must delete state, got %+v", st)
	}
}

func TestOutboxRowsPerPart(t *testing.T) {
	h := newHarness(t)
	h.bot.flusher = nil
	for _, in := range []string{"купить билет", "Самара", "Москва", "20-09-2020", "2504", "1", "-", "да", "+79099091234"} {
		ev := models.Event{Type: models.EventTypeMessageNew, MessageID: "m-" + in, From: testUser, Text: in}
		if err := h.bot.HandleEvent(context.Background(), ev); err != nil {
			t.Fatalf("HandleEvent(%q) failed: %v", in, err)
		}
	}

	rows := h.store.OutboxMessages()
	if len(rows) != 10 {
		t.Fatalf("expected 10 outbox rows, got %d", len(rows))
	}
	last, err := rows[len(rows)-1].OutboundMessage()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !last.HasImage() || last.Text != "" {
		t.Errorf("expected image-only last row, got %+v", last)
	}
	if rows[len(rows)-1].DedupeKey != "m-+79099091234:1" {
		t.Errorf("unexpected dedupe key %q", rows[len(rows)-1].DedupeKey)
	}
}
