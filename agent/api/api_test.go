package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	orchestratoragent "github.com/tanpawarit/Chative-Order-Orchestrator/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/delivery"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/progress"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
)

var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type fakeConversations struct {
	mu     sync.Mutex
	convs  map[string]*statex.ConversationState
	next   int
	hub    *events.Hub
	handle func(id, text string) (orchestratoragent.Reply, error)
}

func newFakeConversations(hub *events.Hub) *fakeConversations {
	return &fakeConversations{convs: map[string]*statex.ConversationState{}, hub: hub}
}

func (f *fakeConversations) Create(_ context.Context, id, customerID string) (*statex.ConversationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		f.next++
		id = fmt.Sprintf("conv-%d", f.next)
	}
	if st, ok := f.convs[id]; ok {
		return st.Clone(), nil
	}
	st := statex.NewConversation(id, customerID, string(contractx.WorkerRouter), testNow)
	f.convs[id] = st
	return st.Clone(), nil
}

func (f *fakeConversations) Handle(_ context.Context, id, text string) (orchestratoragent.Reply, error) {
	if f.handle != nil {
		return f.handle(id, text)
	}
	f.mu.Lock()
	st, ok := f.convs[id]
	f.mu.Unlock()
	if ok && !st.Active {
		return orchestratoragent.Reply{}, fmt.Errorf("%w: %s", contractx.ErrConversationEnded, id)
	}
	reply := orchestratoragent.Reply{WorkerID: contractx.WorkerRouter, Text: "echo: " + text}
	if f.hub != nil {
		_ = f.hub.Publish(context.Background(), events.Event{
			Type:           events.TypeMessage,
			ConversationID: id,
			WorkerID:       string(reply.WorkerID),
			Text:           reply.Text,
			Timestamp:      testNow,
		})
	}
	return reply, nil
}

func (f *fakeConversations) Get(_ context.Context, id string) (*statex.ConversationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation=%s", contractx.ErrNotFound, id)
	}
	return st.Clone(), nil
}

func (f *fakeConversations) End(ctx context.Context, id string) (*statex.ConversationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation=%s", contractx.ErrNotFound, id)
	}
	st.End(testNow)
	return st.Clone(), nil
}

func (f *fakeConversations) List(context.Context) ([]*statex.ConversationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*statex.ConversationState, 0, len(f.convs))
	for _, st := range f.convs {
		out = append(out, st.Clone())
	}
	return out, nil
}

type fakeHealth struct {
	name string
	err  error
}

func (h fakeHealth) Name() string               { return h.name }
func (h fakeHealth) Ping(context.Context) error { return h.err }

type fakeTicker struct {
	calls int
	err   error
}

func (t *fakeTicker) Tick(context.Context) (progress.Report, error) {
	t.calls++
	return progress.Report{HandedOver: []string{"ord-1"}}, t.err
}

type fakeVerifier struct {
	want string
}

func (v fakeVerifier) Verify(signature string, _ []byte, _ string) error {
	if signature != v.want {
		return errors.New("bad signature")
	}
	return nil
}

type testAPI struct {
	handler http.Handler
	convs   *fakeConversations
	deps    Deps
	ticker  *fakeTicker
}

func newTestAPI(t *testing.T, adminToken string) *testAPI {
	t.Helper()

	clock := func() time.Time { return testNow }
	store := kv.NewMemoryStore(kv.WithClock(clock))
	kit, err := kitchen.New(store, kitchen.Config{TimeZone: "UTC"}, kitchen.WithClock(clock))
	if err != nil {
		t.Fatalf("kitchen.New() error = %v", err)
	}
	inv := inventory.New(store, inventory.Config{}, inventory.WithClock(clock))
	if _, err := inv.Seed(context.Background(), inventory.DefaultItems()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	metrics := trace.NewMetrics()
	metrics.Emit(context.Background(), trace.Record{
		Kind:     trace.KindTurn,
		WorkerID: string(contractx.WorkerOrder),
		Duration: 40 * time.Millisecond,
		Success:  true,
		Tokens:   12,
	})

	hub := events.NewHub()
	convs := newFakeConversations(hub)
	ticker := &fakeTicker{}
	deps := Deps{
		Conversations: convs,
		Hub:           hub,
		Orders:        order.New(store, order.Config{}, order.WithClock(clock)),
		Kitchen:       kit,
		Delivery:      delivery.New(store, delivery.Config{}, delivery.WithClock(clock)),
		Inventory:     inv,
		Metrics:       metrics,
		Health:        []HealthCheck{fakeHealth{name: "openrouter"}, fakeHealth{name: "amqp", err: errors.New("connection refused")}},
		Progress:      ticker,
		Verifier:      fakeVerifier{want: "good"},
		CallbackURL:   "https://orders.example.com/internal/progress",
		AdminToken:    adminToken,
		Now:           clock,
	}
	return &testAPI{handler: NewHandler(deps), convs: convs, deps: deps, ticker: ticker}
}

func (a *testAPI) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", rec.Body.String(), err)
	}
	return out
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")

	rec := a.do(t, http.MethodPost, "/conversations", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	created := decode[ConversationSummary](t, rec)
	if created.ConversationID != "conv-1" || created.ActiveAgent != "router" || !created.Active {
		t.Fatalf("created = %+v", created)
	}

	rec = a.do(t, http.MethodPost, "/conversations/conv-1/messages", `{"text":"hi there"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("message status = %d body=%s", rec.Code, rec.Body)
	}
	reply := decode[orchestratoragent.Reply](t, rec)
	if reply.WorkerID != "router" || reply.Text != "echo: hi there" {
		t.Fatalf("reply = %+v", reply)
	}

	rec = a.do(t, http.MethodGet, "/conversations/conv-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = a.do(t, http.MethodDelete, "/conversations/conv-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if ended := decode[ConversationSummary](t, rec); ended.Active {
		t.Fatalf("ended = %+v, want inactive", ended)
	}

	rec = a.do(t, http.MethodPost, "/conversations/conv-1/messages", `{"text":"still there?"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("message after end status = %d, want 409", rec.Code)
	}
	body := decode[errorBody](t, rec)
	if body.Error.Kind != string(contractx.KindConversationEnded) {
		t.Fatalf("error kind = %q", body.Error.Kind)
	}
}

func TestCreateConversationWithIDIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	for i := 0; i < 2; i++ {
		rec := a.do(t, http.MethodPost, "/conversations", `{"conversation_id":"web-7","customer_id":"cust-1"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create status = %d", rec.Code)
		}
		if got := decode[ConversationSummary](t, rec); got.ConversationID != "web-7" || got.CustomerID != "cust-1" {
			t.Fatalf("created = %+v", got)
		}
	}
	if len(a.convs.convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(a.convs.convs))
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "validation", err: fmt.Errorf("%w: too long", contractx.ErrValidation), status: http.StatusBadRequest},
		{name: "transient", err: fmt.Errorf("%w: busy", contractx.ErrTransient), status: http.StatusServiceUnavailable},
		{name: "business rule", err: fmt.Errorf("%w: none left", contractx.ErrInsufficientStock), status: http.StatusUnprocessableEntity},
		{name: "internal", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		a.convs.handle = func(string, string) (orchestratoragent.Reply, error) { return orchestratoragent.Reply{}, tc.err }
		rec := a.do(t, http.MethodPost, "/conversations/c/messages", `{"text":"x"}`)
		if rec.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.status)
		}
	}

	rec := a.do(t, http.MethodPost, "/conversations/c/messages", `{"text":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank text status = %d, want 400", rec.Code)
	}
	rec = a.do(t, http.MethodPost, "/conversations/c/messages", `{"txt":"typo"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", rec.Code)
	}
	rec = a.do(t, http.MethodGet, "/conversations/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", rec.Code)
	}
}

func TestOrderTrackingAndTimeline(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	ctx := context.Background()
	if _, err := a.deps.Orders.Create(ctx, order.CreateInput{
		OrderID: "ord-1",
		Items:   []order.Line{{ItemID: "pizza_margherita", Quantity: 2}},
		Address: "12 Main Street",
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := a.deps.Orders.AdvanceStage(ctx, "ord-1", order.StageKitchen, ""); err != nil {
		t.Fatalf("AdvanceStage() error = %v", err)
	}
	if _, err := a.deps.Kitchen.Enqueue(ctx, "ord-1", []kitchen.LineItem{{ItemID: "pizza_margherita", Quantity: 2}}, false); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	rec := a.do(t, http.MethodGet, "/orders/ord-1/tracking", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("tracking status = %d body=%s", rec.Code, rec.Body)
	}
	tr := decode[Tracking](t, rec)
	if tr.Stage != order.StageKitchen || tr.Kitchen == nil || tr.Delivery != nil {
		t.Fatalf("tracking = %+v, want kitchen only", tr)
	}
	if tr.Kitchen.RemainingMinutes != 30 {
		t.Fatalf("remaining = %d, want 30", tr.Kitchen.RemainingMinutes)
	}

	rec = a.do(t, http.MethodGet, "/orders/ord-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("timeline status = %d", rec.Code)
	}
	tl := decode[OrderTimeline](t, rec)
	if len(tl.Timeline) != 3 {
		t.Fatalf("timeline = %+v, want placed, kitchen and kitchen estimate", tl.Timeline)
	}
	if last := tl.Timeline[len(tl.Timeline)-1]; last.Source != "kitchen" {
		t.Fatalf("last event = %+v, want the kitchen estimate", last)
	}

	rec = a.do(t, http.MethodGet, "/orders/nope/tracking", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown order status = %d, want 404", rec.Code)
	}
}

func TestAdminSurface(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "secret")
	auth := []string{"Authorization", "Bearer secret"}

	if rec := a.do(t, http.MethodGet, "/admin/metrics", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}

	a.do(t, http.MethodPost, "/conversations", "")
	a.do(t, http.MethodPost, "/conversations", "")
	a.do(t, http.MethodDelete, "/conversations/conv-2", "")

	rec := a.do(t, http.MethodGet, "/admin/metrics", "", auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	m := decode[MetricsResponse](t, rec)
	if m.Conversations != (ConversationCounts{Total: 2, Active: 1, Ended: 1}) {
		t.Fatalf("conversation counts = %+v", m.Conversations)
	}
	if len(m.Workers) != 1 || m.Workers[0].Turns != 1 || m.Workers[0].Tokens != 12 {
		t.Fatalf("worker metrics = %+v", m.Workers)
	}

	rec = a.do(t, http.MethodGet, "/admin/workers/status", "", auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("workers status = %d", rec.Code)
	}
	ws := decode[WorkersStatusResponse](t, rec)
	if len(ws.Workers) != len(contractx.Workers) {
		t.Fatalf("workers = %d, want %d", len(ws.Workers), len(contractx.Workers))
	}
	if ws.Workers[0].WorkerID != "router" || ws.Workers[0].ActiveConversations != 1 {
		t.Fatalf("router status = %+v", ws.Workers[0])
	}
	if len(ws.Collaborators) != 2 || !ws.Collaborators[0].Healthy || ws.Collaborators[1].Healthy {
		t.Fatalf("collaborators = %+v", ws.Collaborators)
	}

	rec = a.do(t, http.MethodPost, "/admin/inventory/update", `{"item_id":"drink_water","quantity":5,"operation":"add"}`, auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("inventory update status = %d body=%s", rec.Code, rec.Body)
	}
	if lvl := decode[inventory.StockLevel](t, rec); lvl.OnHand != 155 {
		t.Fatalf("on hand = %d, want 155", lvl.OnHand)
	}
	rec = a.do(t, http.MethodPost, "/admin/inventory/update", `{"item_id":"drink_water","quantity":500,"operation":"subtract"}`, auth...)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative stock status = %d, want 400", rec.Code)
	}
}

func TestProgressCallbackVerifiesSignature(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	rec := a.do(t, http.MethodPost, "/internal/progress", `{"order_id":"ord-1"}`, "Upstash-Signature", "forged")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged status = %d, want 401", rec.Code)
	}
	if a.ticker.calls != 0 {
		t.Fatalf("ticks = %d, want none for a forged callback", a.ticker.calls)
	}

	rec = a.do(t, http.MethodPost, "/internal/progress", `{"order_id":"ord-1"}`, "Upstash-Signature", "good")
	if rec.Code != http.StatusOK {
		t.Fatalf("signed status = %d", rec.Code)
	}
	if rep := decode[progress.Report](t, rec); len(rep.HandedOver) != 1 {
		t.Fatalf("report = %+v", rep)
	}

	a.ticker.err = errors.New("store down")
	rec = a.do(t, http.MethodPost, "/internal/progress", `{}`, "Upstash-Signature", "good")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failed tick status = %d, want 503", rec.Code)
	}
}

func TestWebSocketStreamsConversation(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/conversations/live-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Type != events.TypeConnected || ev.ConversationID != "live-1" || ev.WorkerID != "router" {
		t.Fatalf("first event = %+v, want connected", ev)
	}

	if err := conn.WriteJSON(clientFrame{Type: "ping"}); err != nil {
		t.Fatalf("WriteJSON(ping) error = %v", err)
	}
	var pong pongFrame
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("ReadJSON(pong) error = %v", err)
	}
	if pong.Type != "pong" {
		t.Fatalf("pong = %+v", pong)
	}

	if err := conn.WriteJSON(clientFrame{Type: "message", Text: "menu please"}); err != nil {
		t.Fatalf("WriteJSON(message) error = %v", err)
	}
	ev = events.Event{}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON(message) error = %v", err)
	}
	if ev.Type != events.TypeMessage || ev.Text != "echo: menu please" {
		t.Fatalf("message event = %+v", ev)
	}

	if err := conn.WriteJSON(clientFrame{Type: "shout"}); err != nil {
		t.Fatalf("WriteJSON(unknown) error = %v", err)
	}
	ev = events.Event{}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON(error) error = %v", err)
	}
	if ev.Type != events.TypeError || ev.ErrorKind != string(contractx.KindValidation) {
		t.Fatalf("error event = %+v", ev)
	}
}
