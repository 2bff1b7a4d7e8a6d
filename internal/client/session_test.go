package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/tjfontaine/chat-relay/internal/domain"
)

const helloStream = "data: {\"content\":\"Hi\"}\n\n" +
	"data: {\"content\":\" there\"}\n\n" +
	"data: [DONE]\n\n"

// fakeRelay serves a canned stream and a canned set of persisted turns.
type fakeRelay struct {
	mu       sync.Mutex
	body     func() io.ReadCloser
	sendErr  error
	turns    []domain.Turn
	loadErr  error
	requests []domain.ChatRequest
	// anonymous streams carry no conversation ID.
	anonymous bool
	loads     []string
}

func (f *fakeRelay) Send(ctx context.Context, req domain.ChatRequest) (*Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	id := "conv-1"
	if f.anonymous {
		id = ""
	}
	return &Stream{ConversationID: id, Body: f.body()}, nil
}

func (f *fakeRelay) LoadTurns(ctx context.Context, id string) ([]domain.Turn, error) {
	f.mu.Lock()
	f.loads = append(f.loads, id)
	f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.turns, nil
}

func bodyOf(s string) func() io.ReadCloser {
	return func() io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }
}

var persisted = []domain.Turn{
	{ID: "t1", ConversationID: "conv-1", Role: domain.RoleUser, Content: "Hello"},
	{ID: "t2", ConversationID: "conv-1", Role: domain.RoleAssistant, Content: "Hi there"},
}

// recorder captures observer callbacks.
type recorder struct {
	mu       sync.Mutex
	states   []State
	contents []string
	turns    [][]domain.Turn
	errs     []*Error
}

func (r *recorder) observer() Observer {
	return Observer{
		OnState: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnContent: func(c string) {
			r.mu.Lock()
			r.contents = append(r.contents, c)
			r.mu.Unlock()
		},
		OnTurns: func(t []domain.Turn) {
			r.mu.Lock()
			r.turns = append(r.turns, t)
			r.mu.Unlock()
		},
		OnError: func(e *Error) {
			r.mu.Lock()
			r.errs = append(r.errs, e)
			r.mu.Unlock()
		},
	}
}

func statesEqual(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSession_Submit(t *testing.T) {
	relay := &fakeRelay{body: bodyOf(helloStream), turns: persisted}
	rec := &recorder{}
	s := NewSession(relay, relay, WithObserver(rec.observer()))

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	want := []State{StateSending, StateStreaming, StateSettling, StateIdle}
	if !statesEqual(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
	if got := strings.Join(rec.contents, "|"); got != "Hi|Hi there" {
		t.Errorf("contents = %q", got)
	}
	if s.Content() != "" {
		t.Errorf("accumulator not discarded: %q", s.Content())
	}
	if s.ConversationID() != "conv-1" {
		t.Errorf("conversation = %q", s.ConversationID())
	}
	turns := s.Turns()
	if len(turns) != 2 || turns[1].Content != "Hi there" {
		t.Errorf("turns = %+v", turns)
	}

	// The optimistic turn is displayed before anything streams.
	first := rec.turns[0]
	if len(first) != 1 || first[0].Role != domain.RoleUser || !strings.HasPrefix(first[0].ID, "pending-") {
		t.Errorf("optimistic turns = %+v", first)
	}
	if relay.requests[0].ConversationID != nil {
		t.Errorf("first request carried conversation %q", *relay.requests[0].ConversationID)
	}
}

func TestSession_SecondSubmitReusesConversation(t *testing.T) {
	relay := &fakeRelay{body: bodyOf(helloStream), turns: persisted}
	s := NewSession(relay, relay)

	for i := 0; i < 2; i++ {
		if err := s.Submit(context.Background(), "Hello"); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if id := relay.requests[1].ConversationID; id == nil || *id != "conv-1" {
		t.Errorf("second request conversation = %v", id)
	}
}

func TestSession_ChunkingDoesNotMatter(t *testing.T) {
	relay := &fakeRelay{
		body: func() io.ReadCloser {
			return io.NopCloser(iotest.OneByteReader(strings.NewReader(helloStream)))
		},
		turns: persisted,
	}
	rec := &recorder{}
	s := NewSession(relay, relay, WithObserver(rec.observer()))

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatal(err)
	}
	if got := rec.contents[len(rec.contents)-1]; got != "Hi there" {
		t.Errorf("accumulated = %q", got)
	}
}

func TestSession_SkipsMalformedFrames(t *testing.T) {
	body := "data: {\"content\":\"A\"}\n\n" +
		"data: {broken\n\n" +
		": keep-alive\n\n" +
		"data: {\"content\":\"B\"}\n\n" +
		"data: [DONE]\n\n"
	relay := &fakeRelay{body: bodyOf(body), turns: persisted}
	rec := &recorder{}
	s := NewSession(relay, relay, WithObserver(rec.observer()))

	if err := s.Submit(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(rec.contents, "|"); got != "A|AB" {
		t.Errorf("contents = %q, want A|AB", got)
	}
}

func TestSession_EndOfStreamWithoutDoneSettles(t *testing.T) {
	relay := &fakeRelay{body: bodyOf("data: {\"content\":\"Hi\"}\n\n"), turns: persisted}
	rec := &recorder{}
	s := NewSession(relay, relay, WithObserver(rec.observer()))

	if err := s.Submit(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	want := []State{StateSending, StateStreaming, StateSettling, StateIdle}
	if !statesEqual(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
}

func TestSession_SendFailureRollsBack(t *testing.T) {
	relay := &fakeRelay{sendErr: &Error{
		Op:         OpSend,
		StatusCode: 400,
		Message:    "API key not found. Please add your openrouter API key in settings.",
	}}
	rec := &recorder{}
	s := NewSession(relay, relay, WithObserver(rec.observer()))

	err := s.Submit(context.Background(), "Hello")
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.StatusCode != 400 {
		t.Fatalf("err = %v, want *Error with status 400", err)
	}

	want := []State{StateSending, StateIdle}
	if !statesEqual(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
	if len(s.Turns()) != 0 {
		t.Errorf("optimistic turn not rolled back: %+v", s.Turns())
	}
	if len(rec.errs) != 1 || rec.errs[0] != cerr {
		t.Errorf("observed errors = %v", rec.errs)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v", s.State())
	}
}

func TestSession_StreamFailureRollsBack(t *testing.T) {
	relay := &fakeRelay{
		body: func() io.ReadCloser {
			return io.NopCloser(io.MultiReader(
				strings.NewReader("data: {\"content\":\"Hi\"}\n\n"),
				iotest.ErrReader(errors.New("connection reset")),
			))
		},
		turns: persisted,
	}
	prior := []domain.Turn{{ID: "old", Role: domain.RoleUser, Content: "earlier"}}
	rec := &recorder{}
	s := NewSession(relay, relay, WithObserver(rec.observer()))
	s.turns = prior

	err := s.Submit(context.Background(), "Hello")
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Op != OpStream {
		t.Fatalf("err = %v, want stream *Error", err)
	}
	want := []State{StateSending, StateStreaming, StateIdle}
	if !statesEqual(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
	turns := s.Turns()
	if len(turns) != 1 || turns[0].ID != "old" {
		t.Errorf("turns = %+v, want only the prior turn", turns)
	}
	if s.Content() != "" {
		t.Errorf("content = %q", s.Content())
	}
}

func TestSession_ReloadFailureKeepsReply(t *testing.T) {
	relay := &fakeRelay{body: bodyOf(helloStream), loadErr: errors.New("offline")}
	s := NewSession(relay, relay)

	err := s.Submit(context.Background(), "Hello")
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Op != OpReload {
		t.Fatalf("err = %v, want reload *Error", err)
	}
	turns := s.Turns()
	if len(turns) != 2 || turns[0].Content != "Hello" || turns[1].Content != "Hi there" {
		t.Errorf("turns = %+v", turns)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v", s.State())
	}
}

func TestSession_NoConversationIDSkipsReload(t *testing.T) {
	relay := &fakeRelay{body: bodyOf(helloStream), turns: persisted, anonymous: true}
	rec := &recorder{}
	s := NewSession(relay, relay, WithObserver(rec.observer()))

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(relay.loads) != 0 {
		t.Errorf("LoadTurns called with %q", relay.loads)
	}
	turns := s.Turns()
	if len(turns) != 2 || turns[0].Content != "Hello" || turns[1].Content != "Hi there" {
		t.Errorf("turns = %+v", turns)
	}
	if s.State() != StateIdle || s.ConversationID() != "" {
		t.Errorf("state = %v, conversation = %q", s.State(), s.ConversationID())
	}
	if len(rec.errs) != 0 {
		t.Errorf("errors = %+v", rec.errs)
	}
}

func TestSession_BusyWhileInFlight(t *testing.T) {
	relay := &fakeRelay{body: bodyOf(helloStream), turns: persisted}
	var s *Session
	var busyErr error
	s = NewSession(relay, relay, WithObserver(Observer{
		OnState: func(st State) {
			if st == StateStreaming {
				busyErr = s.Submit(context.Background(), "again")
			}
		},
	}))

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(busyErr, ErrBusy) {
		t.Errorf("nested Submit = %v, want ErrBusy", busyErr)
	}
	if len(relay.requests) != 1 {
		t.Errorf("requests = %d, want 1", len(relay.requests))
	}
}

type closeTracker struct {
	io.Reader
	mu     sync.Mutex
	closed bool
	pw     *io.PipeWriter
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.pw.CloseWithError(errors.New("body closed"))
}

func TestSession_CancelReleasesBody(t *testing.T) {
	pr, pw := io.Pipe()
	body := &closeTracker{Reader: pr, pw: pw}
	relay := &fakeRelay{body: func() io.ReadCloser { return body }, turns: persisted}

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(relay, relay, WithObserver(Observer{
		OnState: func(st State) {
			if st == StateStreaming {
				cancel()
			}
		},
	}))

	go func() {
		_, _ = io.WriteString(pw, "data: {\"content\":\"Hi\"}\n\n")
	}()

	done := make(chan error, 1)
	go func() { done <- s.Submit(ctx, "Hello") }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}

	body.mu.Lock()
	defer body.mu.Unlock()
	if !body.closed {
		t.Error("body not closed")
	}
	if s.State() != StateIdle || len(s.Turns()) != 0 {
		t.Errorf("state = %v, turns = %+v", s.State(), s.Turns())
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{
		StateIdle:      "idle",
		StateSending:   "sending",
		StateStreaming: "streaming",
		StateSettling:  "settling",
		State(9):       "State(9)",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(st), got, want)
		}
	}
}
