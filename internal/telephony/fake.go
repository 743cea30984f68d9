package telephony

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operation names accepted by FakeProvider.FailNext.
const (
	OpCreateSubscription    = "CreateSubscription"
	OpRenewSubscription     = "RenewSubscription"
	OpDeleteSubscription    = "DeleteSubscription"
	OpListSubscriptions     = "ListSubscriptions"
	OpAnswerCall            = "AnswerCall"
	OpUpdateRecordingStatus = "UpdateRecordingStatus"
	OpGetCallRecord         = "GetCallRecord"
	OpListActiveCalls       = "ListActiveCalls"
)

// FakeProvider is an in-memory Provider used by tests and PLATFORM_MODE=fake.
// Safe for concurrent use.
type FakeProvider struct {
	mu sync.Mutex

	seq     int
	subs    map[string]Subscription
	active  map[string]ActiveCall
	records map[string]CallRecord

	answered []AnswerRequest
	statuses []RecordingStatusRequest
	failures map[string][]error

	// OnStatus, if set, runs inside UpdateRecordingStatus before it returns.
	OnStatus func(RecordingStatusRequest)
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		subs:     map[string]Subscription{},
		active:   map[string]ActiveCall{},
		records:  map[string]CallRecord{},
		failures: map[string][]error{},
	}
}

func (f *FakeProvider) Name() string { return "fake" }

func (f *FakeProvider) HealthCheck(ctx context.Context) error { return ctx.Err() }

// FailNext queues errors returned by the next calls to op, in order.
func (f *FakeProvider) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *FakeProvider) takeFailure(op string) error {
	q := f.failures[op]
	if len(q) == 0 {
		return nil
	}
	f.failures[op] = q[1:]
	return q[0]
}

func (f *FakeProvider) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpCreateSubscription); err != nil {
		return Subscription{}, err
	}
	if req.Resource == "" || len(req.ChangeTypes) == 0 {
		return Subscription{}, NewError(KindInvalid, OpCreateSubscription, fmt.Errorf("resource and change types are required"))
	}
	f.seq++
	sub := Subscription{
		ID:              fmt.Sprintf("sub-%d", f.seq),
		Resource:        req.Resource,
		ChangeTypes:     append([]string(nil), req.ChangeTypes...),
		NotificationURL: req.NotificationURL,
		ClientState:     req.ClientState,
		ExpiresAt:       req.ExpiresAt,
	}
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *FakeProvider) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpRenewSubscription); err != nil {
		return Subscription{}, err
	}
	sub, ok := f.subs[id]
	if !ok {
		return Subscription{}, &Error{Kind: KindNotFound, Op: OpRenewSubscription, Status: 404, Err: fmt.Errorf("subscription %s not found", id)}
	}
	sub.ExpiresAt = expiresAt
	f.subs[id] = sub
	return sub, nil
}

func (f *FakeProvider) DeleteSubscription(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpDeleteSubscription); err != nil {
		return err
	}
	if _, ok := f.subs[id]; !ok {
		return &Error{Kind: KindNotFound, Op: OpDeleteSubscription, Status: 404, Err: fmt.Errorf("subscription %s not found", id)}
	}
	delete(f.subs, id)
	return nil
}

func (f *FakeProvider) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpListSubscriptions); err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeProvider) AnswerCall(ctx context.Context, req AnswerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpAnswerCall); err != nil {
		return err
	}
	f.answered = append(f.answered, req)
	return nil
}

func (f *FakeProvider) UpdateRecordingStatus(ctx context.Context, req RecordingStatusRequest) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindTransient, OpUpdateRecordingStatus, err)
	}
	f.mu.Lock()
	err := f.takeFailure(OpUpdateRecordingStatus)
	if err == nil {
		f.statuses = append(f.statuses, req)
	}
	hook := f.OnStatus
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(req)
	}
	return nil
}

func (f *FakeProvider) GetCallRecord(ctx context.Context, id string) (CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpGetCallRecord); err != nil {
		return CallRecord{}, err
	}
	rec, ok := f.records[id]
	if !ok {
		return CallRecord{}, &Error{Kind: KindNotFound, Op: OpGetCallRecord, Status: 404, Err: fmt.Errorf("call record %s not found", id)}
	}
	return rec, nil
}

func (f *FakeProvider) ListActiveCalls(ctx context.Context) ([]ActiveCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpListActiveCalls); err != nil {
		return nil, err
	}
	out := make([]ActiveCall, 0, len(f.active))
	for _, c := range f.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutSubscription seeds a platform-side subscription.
func (f *FakeProvider) PutSubscription(s Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[s.ID] = s
}

func (f *FakeProvider) PutCallRecord(r CallRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = r
}

func (f *FakeProvider) SetActiveCall(c ActiveCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[c.ID] = c
}

func (f *FakeProvider) RemoveActiveCall(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
}

// StatusUpdates returns the acknowledged recording-status updates in call order.
func (f *FakeProvider) StatusUpdates() []RecordingStatusRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordingStatusRequest(nil), f.statuses...)
}

func (f *FakeProvider) Answered() []AnswerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AnswerRequest(nil), f.answered...)
}

func (f *FakeProvider) HasSubscription(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[id]
	return ok
}
