package dispatch

import (
	"encoding/xml"
	"errors"
	"testing"
	"time"

	"warble/internal/logging"
	"warble/internal/xmpp/stanza"
)

type recordSender struct {
	sent []interface{}
	err  error
}

func (r *recordSender) Send(v interface{}) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, v)
	return nil
}

func testDispatcher(t *testing.T) (*Dispatcher, *recordSender) {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	out := &recordSender{}
	return New(out, log), out
}

func TestSendIQResolvesExactlyOnce(t *testing.T) {
	d, out := testDispatcher(t)

	calls := 0
	id, err := d.SendIQ(stanza.IQ{Type: stanza.GetIQ}, func(iq stanza.IQ, err error) {
		calls++
		if err != nil {
			t.Errorf("continuation error: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("SendIQ: %v", err)
	}
	if len(out.sent) != 1 {
		t.Fatalf("sent %d stanzas, want 1", len(out.sent))
	}
	if d.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", d.Pending())
	}

	if err := d.Dispatch(stanza.IQ{ID: id, Type: stanza.ResultIQ}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("continuation ran %d times, want 1", calls)
	}

	// A duplicate response for the same id is an anomaly and must be dropped.
	if err := d.Dispatch(stanza.IQ{ID: id, Type: stanza.ResultIQ}); err != nil {
		t.Fatalf("Dispatch duplicate: %v", err)
	}
	if calls != 1 {
		t.Fatalf("continuation ran %d times after duplicate, want 1", calls)
	}
}

func TestTimeoutAndLateResponse(t *testing.T) {
	d, _ := testDispatcher(t)
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return start }

	var got error
	if _, err := d.SendIQTimeout(stanza.IQ{ID: "q7", Type: stanza.GetIQ}, 10*time.Second, func(iq stanza.IQ, err error) {
		got = err
	}); err != nil {
		t.Fatalf("SendIQTimeout: %v", err)
	}

	dl, ok := d.NextDeadline()
	if !ok || !dl.Equal(start.Add(10*time.Second)) {
		t.Fatalf("NextDeadline = %v, %v", dl, ok)
	}

	d.Expire(start.Add(5 * time.Second))
	if got != nil {
		t.Fatalf("expired early: %v", got)
	}
	d.Expire(start.Add(10 * time.Second))
	if !errors.Is(got, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", got)
	}

	// The response arriving after the timeout finds no entry and is dropped.
	got = nil
	if err := d.Dispatch(stanza.IQ{ID: "q7", Type: stanza.ResultIQ}); err != nil {
		t.Fatalf("Dispatch late response: %v", err)
	}
	if got != nil {
		t.Fatalf("late response resolved continuation again: %v", got)
	}
}

func TestErrorResponseCarriesCondition(t *testing.T) {
	d, _ := testDispatcher(t)

	var got error
	id, err := d.SendIQ(stanza.IQ{Type: stanza.GetIQ}, func(iq stanza.IQ, err error) {
		got = err
	})
	if err != nil {
		t.Fatalf("SendIQ: %v", err)
	}

	resp := stanza.IQ{
		ID:    id,
		Type:  stanza.ErrorIQ,
		Error: &stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound},
	}
	if err := d.Dispatch(resp); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	var se stanza.Error
	if !errors.As(got, &se) {
		t.Fatalf("got %T, want stanza.Error", got)
	}
	if se.Condition != stanza.ItemNotFound {
		t.Fatalf("condition = %q, want item-not-found", se.Condition)
	}
}

func TestUnhandledGetAnsweredServiceUnavailable(t *testing.T) {
	d, out := testDispatcher(t)

	in := stanza.IQ{
		ID:   "v1",
		Type: stanza.GetIQ,
		Payload: []stanza.Extension{{
			XMLName: xml.Name{Space: "jabber:iq:version", Local: "query"},
		}},
	}
	if err := d.Dispatch(in); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(out.sent) != 1 {
		t.Fatalf("sent %d stanzas, want 1", len(out.sent))
	}
	resp, ok := out.sent[0].(stanza.IQ)
	if !ok {
		t.Fatalf("sent %T, want stanza.IQ", out.sent[0])
	}
	if resp.ID != "v1" || resp.Type != stanza.ErrorIQ {
		t.Fatalf("reply id=%q type=%q", resp.ID, resp.Type)
	}
	if resp.Error == nil || resp.Error.Condition != stanza.ServiceUnavailable {
		t.Fatalf("reply error = %+v, want service-unavailable", resp.Error)
	}
}

type pushRecorder struct{ got []stanza.IQ }

func (p *pushRecorder) HandleIQ(iq stanza.IQ) error {
	p.got = append(p.got, iq)
	return nil
}

func TestIQPushRoutedByPayloadName(t *testing.T) {
	d, out := testDispatcher(t)
	rec := &pushRecorder{}
	d.HandleIQPush(xml.Name{Space: stanza.NSRoster, Local: "query"}, rec)

	push := stanza.IQ{
		ID:   "push1",
		Type: stanza.SetIQ,
		Payload: []stanza.Extension{{
			XMLName: xml.Name{Space: stanza.NSRoster, Local: "query"},
		}},
	}
	if err := d.Dispatch(push); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(rec.got) != 1 {
		t.Fatalf("handler got %d IQs, want 1", len(rec.got))
	}
	if len(out.sent) != 0 {
		t.Fatalf("dispatcher replied to a handled push: %v", out.sent)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	d, _ := testDispatcher(t)

	calls := 0
	var got error
	id, err := d.SendIQ(stanza.IQ{Type: stanza.SetIQ}, func(iq stanza.IQ, err error) {
		calls++
		got = err
	})
	if err != nil {
		t.Fatalf("SendIQ: %v", err)
	}

	d.Cancel(id)
	d.Cancel(id)
	d.Cancel("never-existed")
	if calls != 1 {
		t.Fatalf("continuation ran %d times, want 1", calls)
	}
	if !errors.Is(got, ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", got)
	}
}

func TestResetFailsAllPending(t *testing.T) {
	d, _ := testDispatcher(t)

	errs := make([]error, 0, 2)
	for i := 0; i < 2; i++ {
		if _, err := d.SendIQ(stanza.IQ{Type: stanza.GetIQ}, func(iq stanza.IQ, err error) {
			errs = append(errs, err)
		}); err != nil {
			t.Fatalf("SendIQ: %v", err)
		}
	}

	boom := errors.New("stream gone")
	d.Reset(boom)
	if len(errs) != 2 {
		t.Fatalf("resolved %d requests, want 2", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("resolved with %v, want stream gone", err)
		}
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d after reset", d.Pending())
	}
}

func TestIDReusableAfterCompletion(t *testing.T) {
	d, _ := testDispatcher(t)

	done := func(stanza.IQ, error) {}
	if _, err := d.SendIQ(stanza.IQ{ID: "r9", Type: stanza.GetIQ}, done); err != nil {
		t.Fatalf("first SendIQ: %v", err)
	}
	if _, err := d.SendIQ(stanza.IQ{ID: "r9", Type: stanza.GetIQ}, done); err == nil {
		t.Fatal("second SendIQ with in-flight id succeeded")
	}

	if err := d.Dispatch(stanza.IQ{ID: "r9", Type: stanza.ResultIQ}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := d.SendIQ(stanza.IQ{ID: "r9", Type: stanza.GetIQ}, done); err != nil {
		t.Fatalf("SendIQ after completion: %v", err)
	}
}

type claimPresence struct {
	claim bool
	got   int
}

func (c *claimPresence) HandlePresence(p stanza.Presence) (bool, error) {
	c.got++
	return c.claim, nil
}

func TestPresenceChainStopsAtClaim(t *testing.T) {
	d, _ := testDispatcher(t)
	first := &claimPresence{claim: true}
	second := &claimPresence{}
	d.HandlePresence(first)
	d.HandlePresence(second)

	if err := d.Dispatch(stanza.Presence{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if first.got != 1 || second.got != 0 {
		t.Fatalf("handler calls = %d, %d; want 1, 0", first.got, second.got)
	}

	first.claim = false
	if err := d.Dispatch(stanza.Presence{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if second.got != 1 {
		t.Fatalf("fallthrough handler calls = %d, want 1", second.got)
	}
}

type msgRecorder struct{ got []stanza.Message }

func (m *msgRecorder) HandleMessage(msg stanza.Message) error {
	m.got = append(m.got, msg)
	return nil
}

func TestMessageRoutedByExtensionNamespace(t *testing.T) {
	d, _ := testDispatcher(t)
	mam := &msgRecorder{}
	chat := &msgRecorder{}
	d.HandleMessageNS(stanza.NSMAM, mam)
	d.HandleMessageFallback(chat)

	archived := stanza.Message{
		Extensions: []stanza.Extension{{
			XMLName: xml.Name{Space: stanza.NSMAM, Local: "result"},
		}},
	}
	if err := d.Dispatch(archived); err != nil {
		t.Fatalf("Dispatch archived: %v", err)
	}
	if err := d.Dispatch(stanza.Message{Body: "hi"}); err != nil {
		t.Fatalf("Dispatch chat: %v", err)
	}
	if len(mam.got) != 1 || len(chat.got) != 1 {
		t.Fatalf("routes = %d mam, %d chat; want 1 each", len(mam.got), len(chat.got))
	}
}
