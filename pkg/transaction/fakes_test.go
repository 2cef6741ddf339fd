package transaction

import (
	"context"
	"sync"
)

type fakeHandle struct {
	*Status
}

type fakeManager struct {
	mu          sync.Mutex
	begins      int
	commits     int
	rollbacks   int
	beginErr    error
	commitErr   error
	rollbackErr error
	lastAttr    Attribute
	lastHandle  *fakeHandle
}

func (m *fakeManager) Begin(ctx context.Context, attr Attribute) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.begins++
	m.lastAttr = attr
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	h := &fakeHandle{Status: NewStatus(ctx)}
	m.lastHandle = h
	return h, nil
}

func (m *fakeManager) Commit(_ context.Context, h Handle) error {
	fh, ok := h.(*fakeHandle)
	if !ok {
		return ErrForeignHandle
	}
	if err := fh.Complete(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return m.commitErr
}

func (m *fakeManager) Rollback(_ context.Context, h Handle) error {
	fh, ok := h.(*fakeHandle)
	if !ok {
		return ErrForeignHandle
	}
	if err := fh.Complete(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	return m.rollbackErr
}

func (m *fakeManager) counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begins, m.commits, m.rollbacks
}

// fakeCallbackManager drives the callback itself and records what it saw.
type fakeCallbackManager struct {
	calls    int
	lastAttr Attribute
	result   any
	err      error
	override bool
}

func (m *fakeCallbackManager) Execute(ctx context.Context, attr Attribute, cb Callback) (any, error) {
	m.calls++
	m.lastAttr = attr
	v, err := cb(ctx, NewStatus(ctx))
	if m.override {
		return m.result, m.err
	}
	return v, err
}

type recordingObserver struct {
	mu     sync.Mutex
	starts int
	states []State
	errs   []error
	defs   []Definition
}

type observerKey struct{}

func (o *recordingObserver) Observe(ctx context.Context, def Definition) (context.Context, func(State, error)) {
	o.mu.Lock()
	o.starts++
	o.defs = append(o.defs, def)
	o.mu.Unlock()
	return context.WithValue(ctx, observerKey{}, "observed"), func(s State, err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.states = append(o.states, s)
		o.errs = append(o.errs, err)
	}
}
