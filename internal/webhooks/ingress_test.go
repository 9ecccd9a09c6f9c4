package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mbd888/lendbridge/internal/chain"
	"github.com/mbd888/lendbridge/internal/escrow"
	"github.com/mbd888/lendbridge/internal/lending"
	"github.com/mbd888/lendbridge/internal/storage"
)

const testSecret = "whsec_test_secret"

type fixture struct {
	ingress     *Ingress
	store       *MemoryStore
	dispatcher  *Dispatcher
	escrows     *escrow.Service
	escrowStore *escrow.MemoryStore
	loans       *lending.Service
	ledger      *chain.Simulated
	signer      *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tx := storage.NewMemoryTransactor()
	f := &fixture{
		store:       NewMemoryStore(),
		escrowStore: escrow.NewMemoryStore(),
		ledger:      chain.NewSimulated(),
		dispatcher:  NewDispatcher(nil),
	}
	f.escrows = escrow.NewService(f.escrowStore, tx, f.ledger)
	f.loans = lending.NewService(lending.NewMemoryStore(), tx)
	f.dispatcher.RegisterDefaults(f.escrows, f.loans)

	v, err := NewVerifier(testSecret, AlgoSHA256)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	f.signer = v
	f.ingress = NewIngress(f.store, tx, f.dispatcher, map[Source]*Verifier{
		SourceProvider: v,
		SourceChain:    v,
	})
	return f
}

func (f *fixture) send(t *testing.T, source Source, eventType, body string) *Result {
	t.Helper()
	res, err := f.ingress.Receive(context.Background(), source, eventType, []byte(body), f.signer.Sign([]byte(body)))
	if err != nil {
		t.Fatalf("receive %s: %v", eventType, err)
	}
	return res
}

// countingHandler wraps fn and counts invocations that reached it.
func countingHandler(calls *atomic.Int32, fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		calls.Add(1)
		return fn(ctx, ev, p)
	}
}

func (f *fixture) rows(status Status) []*WebhookEvent {
	f.store.mu.RLock()
	defer f.store.mu.RUnlock()
	var out []*WebhookEvent
	for _, ev := range f.store.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) createEscrow(t *testing.T, id string) *escrow.Escrow {
	t.Helper()
	res, err := f.escrows.Create(context.Background(), escrow.CreateRequest{
		EscrowID:   id,
		Borrower:   "B1",
		Lender:     "L1",
		Arbitrator: "A1",
		Amount:     1000,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return res.Escrow
}

func (f *fixture) escrowEvents(t *testing.T, id string) []*escrow.Event {
	t.Helper()
	events, err := f.escrows.Events(context.Background(), id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return events
}

func TestReceive_ProcessesProviderEvent(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, SourceProvider, "credit.status.changed", `{"proposalId":"prop-1","status":"APPROVED"}`)

	if res.Event.Status != StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s (%s)", res.Event.Status, res.Event.ErrorMessage)
	}
	if res.Event.EventType != EventCreditStatusChanged {
		t.Errorf("expected normalized type, got %s", res.Event.EventType)
	}
	if res.Event.DedupKey != "provider:credit_status_changed:prop-1:approved" {
		t.Errorf("unexpected dedup key %q", res.Event.DedupKey)
	}
	if res.Event.ProcessedAt == nil {
		t.Error("expected processedAt")
	}

	loan, err := f.loans.Get(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.CreditStatus != "approved" {
		t.Errorf("expected approved, got %s", loan.CreditStatus)
	}
}

func TestReceive_IdenticalReplaysMutateOnce(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.dispatcher.Handle(EventPaymentReceived, countingHandler(&calls, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		amount, err := p.Int64("amount")
		if err != nil {
			return err
		}
		_, err = f.loans.RecordPayment(ctx, lending.Payment{
			ID: p.String("paymentId"), ProposalID: p.String("proposalId"), Amount: amount,
		})
		return err
	}))

	const n = 5
	body := `{"paymentId":"pay-1","proposalId":"prop-1","amount":250}`
	var first *Result
	for i := 0; i < n; i++ {
		res := f.send(t, SourceProvider, "payment_received", body)
		if res.Event.Status != StatusProcessed {
			t.Fatalf("delivery %d: expected PROCESSED, got %s", i, res.Event.Status)
		}
		if i == 0 {
			first = res
			if res.Duplicate() {
				t.Fatal("first delivery should not be a duplicate")
			}
			continue
		}
		if !res.Duplicate() || res.Event.DuplicateOf != first.Event.ID {
			t.Fatalf("delivery %d: expected duplicate of %s, got %q", i, first.Event.ID, res.Event.DuplicateOf)
		}
		if res.Original == nil || res.Original.ID != first.Event.ID {
			t.Fatalf("delivery %d: expected original outcome returned", i)
		}
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 handler call, got %d", got)
	}
	if got := len(f.rows(StatusProcessed)); got != n {
		t.Fatalf("expected %d PROCESSED rows, got %d", n, got)
	}
	loan, _ := f.loans.Get(context.Background(), "prop-1")
	if loan.AmountPaid != 250 {
		t.Fatalf("expected amountPaid 250, got %d", loan.AmountPaid)
	}
}

func TestReceive_SameDedupFieldsDifferentBody(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.dispatcher.Handle(EventCreditStatusChanged, countingHandler(&calls, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		_, err := f.loans.ApplyCreditStatus(ctx, p.String("proposalId"), p.String("status"))
		return err
	}))

	f.send(t, SourceProvider, "credit_status_changed", `{"proposalId":"prop-7","status":"approved","sentAt":"t1"}`)
	second := f.send(t, SourceProvider, "CREDIT_STATUS_CHANGED", `{"status":"Approved","proposalId":"PROP-7","sentAt":"t2"}`)

	if second.Event.Status != StatusProcessed || !second.Duplicate() {
		t.Fatalf("expected PROCESSED duplicate, got %s dup=%v", second.Event.Status, second.Duplicate())
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected handler call count 1, got %d", got)
	}
}

func TestReceive_ConcurrentReplays(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.dispatcher.Handle(EventLoanRepaid, countingHandler(&calls, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		time.Sleep(5 * time.Millisecond)
		_, err := f.loans.MarkRepaid(ctx, p.String("proposalId"))
		return err
	}))

	body := []byte(`{"proposalId":"prop-2"}`)
	sig := f.signer.Sign(body)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ingress.Receive(context.Background(), SourceProvider, "loan_repaid", body, sig); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("receive: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 handler call across concurrent deliveries, got %d", got)
	}
	if got := len(f.rows(StatusProcessed)); got != 10 {
		t.Fatalf("expected 10 PROCESSED rows, got %d", got)
	}
}

func TestReceive_DifferentKeysDoNotBlock(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	f.dispatcher.Handle(EventLoanRepaid, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		if p.String("proposalId") == "slow" {
			close(entered)
			<-release
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		body := []byte(`{"proposalId":"slow"}`)
		_, _ = f.ingress.Receive(context.Background(), SourceProvider, "loan_repaid", body, f.signer.Sign(body))
	}()
	<-entered

	fast := make(chan *Result, 1)
	go func() {
		body := []byte(`{"proposalId":"fast"}`)
		res, _ := f.ingress.Receive(context.Background(), SourceProvider, "loan_repaid", body, f.signer.Sign(body))
		fast <- res
	}()

	select {
	case res := <-fast:
		if res == nil || res.Event.Status != StatusProcessed {
			t.Fatalf("expected fast delivery processed, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery with a different dedup key was blocked")
	}
	close(release)
	<-done
}

func TestReceive_ChainReleaseAppliesOnce(t *testing.T) {
	f := newFixture(t)
	e := f.createEscrow(t, "esc-chain-1")
	if _, err := f.ledger.Settle(e.ContractAddress, chain.StateReleased); err != nil {
		t.Fatalf("settle: %v", err)
	}

	body := fmt.Sprintf(`{"event_type":"escrow.funds.released","data":{"contractAddress":%q,"txHash":"0xabc"}}`, e.ContractAddress)
	res := f.send(t, SourceChain, "", body)
	if res.Event.Status != StatusProcessed || res.Event.EventType != EventEscrowFundsReleased {
		t.Fatalf("expected PROCESSED escrow_funds_released, got %s %s (%s)",
			res.Event.Status, res.Event.EventType, res.Event.ErrorMessage)
	}

	again := f.send(t, SourceChain, "", body)
	if !again.Duplicate() {
		t.Fatal("expected replayed ledger notification to be a duplicate")
	}

	got, err := f.escrows.Get(context.Background(), e.ID, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Escrow.Status != escrow.StatusReleased {
		t.Fatalf("expected RELEASED, got %s", got.Escrow.Status)
	}
	released := 0
	for _, ev := range f.escrowEvents(t, e.ID) {
		if ev.Type == escrow.EventReleased {
			released++
		}
	}
	if released != 1 {
		t.Fatalf("expected 1 release event, got %d", released)
	}
}

func TestReceive_InvalidSignatureNeverMutates(t *testing.T) {
	f := newFixture(t)
	e := f.createEscrow(t, "esc-sig-1")
	before := len(f.escrowEvents(t, e.ID))

	var calls atomic.Int32
	for _, typ := range f.dispatcher.Types() {
		f.dispatcher.Handle(typ, countingHandler(&calls, func(context.Context, *WebhookEvent, Payload) error { return nil }))
	}

	body := []byte(fmt.Sprintf(`{"event_type":"escrow_funds_released","data":{"contractAddress":%q}}`, e.ContractAddress))
	cases := map[string]string{
		"wrong secret": mustVerifier(t, "other-secret", AlgoSHA256).Sign(body),
		"missing":      "",
		"malformed":    "not-hex",
		"wrong algo":   "sha1=" + f.signer.Sign(body),
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := f.ingress.Receive(context.Background(), SourceChain, "", body, sig)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
			if res.Event.Status != StatusFailed {
				t.Fatalf("expected FAILED, got %s", res.Event.Status)
			}
			if !strings.HasPrefix(res.Event.ErrorMessage, "SignatureVerificationError") {
				t.Fatalf("unexpected reason %q", res.Event.ErrorMessage)
			}
		})
	}

	if got := calls.Load(); got != 0 {
		t.Fatalf("handler reached %d times with bad signatures", got)
	}
	if after := len(f.escrowEvents(t, e.ID)); after != before {
		t.Fatalf("escrow events grew from %d to %d", before, after)
	}
}

func TestReceive_StoresInvalidUTF8HeadersAsText(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"proposalId":"prop-utf8"}`)
	eventType := strings.Repeat("a", 63) + "é"
	res, err := f.ingress.Receive(context.Background(), SourceProvider, eventType, body, "sha256=\xc3")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	stored, err := f.ingress.Get(context.Background(), res.Event.ID)
	if err != nil {
		t.Fatalf("delivery was not stored: %v", err)
	}
	if !utf8.ValidString(string(stored.EventType)) || len(stored.EventType) > maxEventTypeLen {
		t.Fatalf("event type not storable as text: %q", stored.EventType)
	}
	if !utf8.ValidString(stored.Signature) {
		t.Fatalf("signature not storable as text: %q", stored.Signature)
	}
}

func TestReceive_NoSecretRejects(t *testing.T) {
	f := newFixture(t)
	f.ingress.verifiers = map[Source]*Verifier{SourceProvider: f.signer}

	body := []byte(`{"event_type":"loan_repaid","data":{"proposalId":"p"}}`)
	_, err := f.ingress.Receive(context.Background(), SourceChain, "", body, f.signer.Sign(body))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected rejection for a source without a secret, got %v", err)
	}
}

func TestReceive_UnsupportedEventType(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, SourceProvider, "borrower.profile.updated", `{"proposalId":"prop-1"}`)

	if res.Event.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Event.Status)
	}
	if res.Event.ErrorMessage != "UnsupportedEventType: borrower_profile_updated" {
		t.Fatalf("unexpected reason %q", res.Event.ErrorMessage)
	}
}

func TestReceive_InvalidPayload(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, SourceProvider, "payment_received", `{not json`)
	if res.Event.Status != StatusFailed || !strings.HasPrefix(res.Event.ErrorMessage, "InvalidPayload") {
		t.Fatalf("expected FAILED InvalidPayload, got %s %q", res.Event.Status, res.Event.ErrorMessage)
	}
	if !strings.HasPrefix(res.Event.DedupKey, "provider:payment_received:sha256:") {
		t.Fatalf("expected body-hash dedup key, got %q", res.Event.DedupKey)
	}
}

func TestReceive_HandlerFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	fail := true
	f.dispatcher.Handle(EventCreditStatusChanged, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		if _, err := f.loans.ApplyCreditStatus(ctx, p.String("proposalId"), p.String("status")); err != nil {
			return err
		}
		if fail {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	body := `{"proposalId":"prop-9","status":"approved"}`
	res := f.send(t, SourceProvider, "credit_status_changed", body)
	if res.Event.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Event.Status)
	}
	if res.Event.ErrorMessage != "HandlerError: downstream unavailable" {
		t.Fatalf("unexpected reason %q", res.Event.ErrorMessage)
	}
	if _, err := f.loans.Get(context.Background(), "prop-9"); !errors.Is(err, lending.ErrLoanNotFound) {
		t.Fatalf("handler write survived its failure: %v", err)
	}

	// A FAILED delivery does not count as processed; the redelivery runs.
	fail = false
	res = f.send(t, SourceProvider, "credit_status_changed", body)
	if res.Event.Status != StatusProcessed || res.Duplicate() {
		t.Fatalf("expected redelivery processed, got %s dup=%v", res.Event.Status, res.Duplicate())
	}
	if _, err := f.loans.Get(context.Background(), "prop-9"); err != nil {
		t.Fatalf("loan after redelivery: %v", err)
	}
}

func TestReceive_ChainOutcomeConflictFails(t *testing.T) {
	f := newFixture(t)
	e := f.createEscrow(t, "esc-conflict")
	if _, err := f.escrows.Refund(context.Background(), e.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}

	body := fmt.Sprintf(`{"event_type":"escrow_funds_released","data":{"contractAddress":%q}}`, e.ContractAddress)
	res := f.send(t, SourceChain, "", body)
	if res.Event.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Event.Status)
	}
	got, _ := f.escrows.Get(context.Background(), e.ID, false)
	if got.Escrow.Status != escrow.StatusRefunded {
		t.Fatalf("terminal state changed to %s", got.Escrow.Status)
	}
}

func TestRecover_ResolvesPendingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"proposalId":"prop-r","status":"declined"}`)
	stuck := &WebhookEvent{
		ID:         "whk_stuck",
		Source:     SourceProvider,
		EventType:  EventCreditStatusChanged,
		Payload:    body,
		Signature:  f.signer.Sign(body),
		Status:     StatusPending,
		ReceivedAt: time.Now().Add(-10 * time.Minute),
	}
	fresh := &WebhookEvent{
		ID:         "whk_fresh",
		Source:     SourceProvider,
		EventType:  EventCreditStatusChanged,
		Payload:    body,
		Signature:  f.signer.Sign(body),
		Status:     StatusPending,
		ReceivedAt: time.Now(),
	}
	for _, ev := range []*WebhookEvent{stuck, fresh} {
		if err := f.store.Insert(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := f.ingress.Recover(ctx, time.Minute, 10)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered, got %d", n)
	}

	got, _ := f.store.Get(ctx, "whk_stuck")
	if got.Status != StatusProcessed || got.Attempts != 1 {
		t.Fatalf("expected PROCESSED after 1 attempt, got %s/%d", got.Status, got.Attempts)
	}
	if still, _ := f.store.Get(ctx, "whk_fresh"); still.Status != StatusPending {
		t.Fatalf("fresh row should be left pending, got %s", still.Status)
	}
	loan, err := f.loans.Get(ctx, "prop-r")
	if err != nil || loan.CreditStatus != "declined" {
		t.Fatalf("expected recovered mutation, got %+v %v", loan, err)
	}

	// Already-resolved rows are not handled again.
	if n, _ := f.ingress.Recover(ctx, time.Minute, 10); n != 0 {
		t.Fatalf("expected nothing left to recover, got %d", n)
	}
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		ev   WebhookEvent
		want string
	}{
		{WebhookEvent{Status: StatusProcessed}, "processed"},
		{WebhookEvent{Status: StatusProcessed, DuplicateOf: "whk_1"}, "duplicate"},
		{WebhookEvent{Status: StatusFailed, ErrorMessage: "SignatureVerificationError: signature mismatch"}, "invalid_signature"},
		{WebhookEvent{Status: StatusFailed, ErrorMessage: "UnsupportedEventType: x"}, "unsupported"},
		{WebhookEvent{Status: StatusFailed, ErrorMessage: "HandlerError: boom"}, "failed"},
		{WebhookEvent{Status: StatusPending}, "pending"},
	}
	for _, tt := range tests {
		ev := tt.ev
		if got := outcomeOf(&Result{Event: &ev}); got != tt.want {
			t.Errorf("outcomeOf(%s %q) = %s, want %s", ev.Status, ev.ErrorMessage, got, tt.want)
		}
	}
}

func mustVerifier(t *testing.T, secret, algo string) *Verifier {
	t.Helper()
	v, err := NewVerifier(secret, algo)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return v
}
