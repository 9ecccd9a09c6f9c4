package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/lendbridge/internal/idgen"
	"github.com/mbd888/lendbridge/internal/storage"
	"github.com/mbd888/lendbridge/internal/traces"
)

// Result is the recorded outcome of one delivery.
type Result struct {
	Event *WebhookEvent `json:"event"`
	// Original is the delivery that carried the mutation when Event was
	// short-circuited as a duplicate.
	Original *WebhookEvent `json:"original,omitempty"`
}

// Duplicate reports whether the handler was skipped because the dedup key
// had already been processed.
func (r *Result) Duplicate() bool { return r.Event.DuplicateOf != "" }

// Ingress stores, verifies, deduplicates and dispatches deliveries.
type Ingress struct {
	store      Store
	tx         storage.Transactor
	dispatcher *Dispatcher
	verifiers  map[Source]*Verifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewIngress creates an ingress. Sources without a verifier reject every
// delivery.
func NewIngress(store Store, tx storage.Transactor, d *Dispatcher, verifiers map[Source]*Verifier) *Ingress {
	return &Ingress{
		store:      store,
		tx:         tx,
		dispatcher: d,
		verifiers:  verifiers,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets the logger.
func (in *Ingress) WithLogger(l *slog.Logger) *Ingress {
	in.logger = l
	return in
}

// Receive handles one delivery. rawType is the sender's event type header;
// for ledger deliveries it is read from the body instead.
//
// The returned error is ErrInvalidSignature when the delivery was rejected,
// or a storage error when no outcome could be recorded. Handler failures
// are not errors: they are recorded as FAILED in the result.
func (in *Ingress) Receive(ctx context.Context, source Source, rawType string, body []byte, signature string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.receive")
	defer span.End()

	if source == SourceChain || rawType == "" {
		if _, bodyType, err := ParsePayload(body); err == nil && bodyType != "" {
			rawType = bodyType
		}
	}

	ev := &WebhookEvent{
		ID:         idgen.WithPrefix("whk_"),
		Source:     source,
		EventType:  NormalizeEventType(rawType),
		Payload:    body,
		Signature:  strings.ToValidUTF8(signature, "\uFFFD"),
		Status:     StatusPending,
		ReceivedAt: in.now(),
	}
	span.SetAttributes(traces.WebhookID(ev.ID), traces.EventType(string(ev.EventType)))
	receivedTotal.WithLabelValues(string(source), string(ev.EventType)).Inc()

	if err := in.store.Insert(ctx, ev); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("store webhook: %w", err)
	}

	res, err := in.handle(ctx, ev)
	if err != nil {
		traces.Fail(span, err)
	} else {
		span.SetAttributes(traces.Outcome(outcomeOf(res)))
	}
	return res, err
}

// Get returns a stored delivery.
func (in *Ingress) Get(ctx context.Context, id string) (*WebhookEvent, error) {
	return in.store.Get(ctx, id)
}

// Recover re-handles deliveries left PENDING, e.g. by a crash between the
// write-ahead insert and the outcome. It returns how many it resolved.
func (in *Ingress) Recover(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	pending, err := in.store.ListPending(ctx, in.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list pending webhooks: %w", err)
	}

	resolved := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		res, err := in.handle(ctx, ev)
		if err != nil && !errors.Is(err, ErrInvalidSignature) {
			in.logger.Warn("webhook recovery failed", "webhookId", ev.ID, "error", err)
			continue
		}
		recoveredTotal.Inc()
		resolved++
		in.logger.Info("webhook recovered", "webhookId", ev.ID, "outcome", outcomeOf(res))
	}
	return resolved, nil
}

func (in *Ingress) handle(ctx context.Context, ev *WebhookEvent) (*Result, error) {
	start := time.Now()
	defer func() {
		processingDuration.WithLabelValues(string(ev.Source)).Observe(time.Since(start).Seconds())
	}()

	if err := in.verifiers[ev.Source].Verify(ev.Payload, ev.Signature); err != nil {
		res, ferr := in.fail(ctx, ev, err)
		if ferr != nil {
			return nil, ferr
		}
		in.logger.Warn("webhook rejected", "webhookId", ev.ID, "source", ev.Source, "error", err)
		return res, ErrInvalidSignature
	}

	payload, _, perr := ParsePayload(ev.Payload)
	dedupKey := DedupKey(ev.Source, ev.EventType, payload, ev.Payload)

	var res *Result
	err := in.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := in.store.GetForUpdate(ctx, ev.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			// Another worker got here first.
			res = &Result{Event: cur}
			return nil
		}
		cur.DedupKey = dedupKey
		cur.Attempts++
		res = &Result{Event: cur}

		if perr != nil {
			return in.finish(ctx, cur, perr)
		}

		if err := in.store.LockKey(ctx, dedupKey); err != nil {
			return err
		}
		orig, err := in.store.FindProcessed(ctx, dedupKey)
		switch {
		case err == nil:
			cur.DuplicateOf = orig.ID
			res.Original = orig
			return in.finish(ctx, cur, nil)
		case !errors.Is(err, ErrEventNotFound):
			return err
		}

		herr := in.tx.Savepoint(ctx, func(ctx context.Context) error {
			return in.dispatcher.Dispatch(ctx, cur, payload)
		})
		return in.finish(ctx, cur, herr)
	})
	if err != nil {
		in.logger.Error("webhook outcome not recorded; left pending for recovery",
			"webhookId", ev.ID, "dedupKey", dedupKey, "error", err)
		return nil, err
	}

	outcomesTotal.WithLabelValues(string(ev.Source), outcomeOf(res)).Inc()
	return res, nil
}

// finish records the outcome of a delivery inside the processing transaction.
func (in *Ingress) finish(ctx context.Context, ev *WebhookEvent, handlerErr error) error {
	now := in.now()
	ev.ProcessedAt = &now
	if handlerErr != nil {
		ev.Status = StatusFailed
		ev.ErrorMessage = failureMessage(handlerErr)
		in.logger.Warn("webhook failed",
			"webhookId", ev.ID, "eventType", ev.EventType, "dedupKey", ev.DedupKey, "error", handlerErr)
	} else {
		ev.Status = StatusProcessed
		ev.ErrorMessage = ""
	}
	return in.store.Update(ctx, ev)
}

// fail records a rejection that never reached processing.
func (in *Ingress) fail(ctx context.Context, ev *WebhookEvent, cause error) (*Result, error) {
	var res *Result
	err := in.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := in.store.GetForUpdate(ctx, ev.ID)
		if err != nil {
			return err
		}
		if cur.Status == StatusPending {
			now := in.now()
			cur.Status = StatusFailed
			cur.ErrorMessage = failureMessage(cause)
			cur.ProcessedAt = &now
			cur.Attempts++
			if err := in.store.Update(ctx, cur); err != nil {
				return err
			}
		}
		res = &Result{Event: cur}
		return nil
	})
	if err != nil {
		return nil, err
	}
	outcomesTotal.WithLabelValues(string(ev.Source), outcomeOf(res)).Inc()
	return res, nil
}

// failureMessage prefixes the failure class so stored rows can be filtered
// by reason.
func failureMessage(err error) string {
	for _, class := range []error{ErrInvalidSignature, ErrUnsupportedEventType, ErrInvalidPayload} {
		if errors.Is(err, class) {
			return err.Error()
		}
	}
	return "HandlerError: " + err.Error()
}

func outcomeOf(res *Result) string {
	if res == nil {
		return "error"
	}
	ev := res.Event
	switch {
	case ev.Status == StatusProcessed && ev.DuplicateOf != "":
		return "duplicate"
	case ev.Status == StatusProcessed:
		return "processed"
	case ev.Status == StatusFailed && strings.HasPrefix(ev.ErrorMessage, ErrInvalidSignature.Error()):
		return "invalid_signature"
	case ev.Status == StatusFailed && strings.HasPrefix(ev.ErrorMessage, ErrUnsupportedEventType.Error()):
		return "unsupported"
	case ev.Status == StatusFailed:
		return "failed"
	}
	return "pending"
}
