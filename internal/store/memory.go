package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type listKey struct {
	ref  DocRef
	list string
}

type memWatcher struct {
	notify chan struct{}
}

func (w *memWatcher) poke() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// MemoryStore is an in-process Store. It backs tests and single-node
// deployments where both participants reach the same gateway.
type MemoryStore struct {
	mu           sync.Mutex
	docs         map[DocRef]Fields
	lists        map[listKey][][]byte
	watchers     map[DocRef]map[*memWatcher]struct{}
	listWatchers map[listKey]map[*memWatcher]struct{}
	clock        func() time.Time
	failure      error
	closed       bool
}

type MemoryOption func(*MemoryStore)

// WithClock replaces the store clock.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.clock = clock }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		docs:         make(map[DocRef]Fields),
		lists:        make(map[listKey][][]byte),
		watchers:     make(map[DocRef]map[*memWatcher]struct{}),
		listWatchers: make(map[listKey]map[*memWatcher]struct{}),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InjectFailure makes every subsequent operation fail with err until it is
// called again with nil. Simulates an unreachable store.
func (m *MemoryStore) InjectFailure(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

func (m *MemoryStore) checkLocked() error {
	if m.closed {
		return ErrClosed
	}
	return m.failure
}

func (m *MemoryStore) Create(_ context.Context, ref DocRef, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}
	if _, ok := m.docs[ref]; ok {
		return ErrAlreadyExists
	}
	m.docs[ref] = fields.Clone()
	m.pokeLocked(ref)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, ref DocRef) (Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	doc, ok := m.docs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, ref DocRef, fields Fields, conds ...Condition) (Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	doc, exists := m.docs[ref]
	for _, c := range conds {
		if !c.holds(exists, doc) {
			return nil, ErrConditionFailed
		}
	}
	if !exists {
		doc = make(Fields, len(fields))
		m.docs[ref] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	m.pokeLocked(ref)
	return doc.Clone(), nil
}

func (m *MemoryStore) pokeLocked(ref DocRef) {
	for w := range m.watchers[ref] {
		w.poke()
	}
}

func (m *MemoryStore) Watch(ctx context.Context, ref DocRef, onChange func(Fields), onError func(error)) (Unsubscribe, error) {
	m.mu.Lock()
	if err := m.checkLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	w := &memWatcher{notify: make(chan struct{}, 1)}
	if m.watchers[ref] == nil {
		m.watchers[ref] = make(map[*memWatcher]struct{})
	}
	m.watchers[ref][w] = struct{}{}
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel, func() {
		m.mu.Lock()
		delete(m.watchers[ref], w)
		m.mu.Unlock()
	})

	w.poke() // replay current value
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case <-w.notify:
			}
			doc, err := m.Get(subCtx, ref)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				sub.deliver(func() {
					if onError != nil {
						onError(err)
					}
				})
				continue
			}
			sub.deliver(func() { onChange(doc) })
		}
	}()
	return sub.unsubscribe, nil
}

func (m *MemoryStore) Append(_ context.Context, ref DocRef, list string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return "", err
	}
	key := listKey{ref: ref, list: list}
	m.lists[key] = append(m.lists[key], append([]byte(nil), data...))
	id := strconv.Itoa(len(m.lists[key]) - 1)
	for w := range m.listWatchers[key] {
		w.poke()
	}
	return id, nil
}

func (m *MemoryStore) entriesFrom(key listKey, cursor int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	all := m.lists[key]
	if cursor >= len(all) {
		return nil, nil
	}
	out := make([][]byte, len(all)-cursor)
	copy(out, all[cursor:])
	return out, nil
}

func (m *MemoryStore) WatchList(ctx context.Context, ref DocRef, list string, onEntry func(Entry), onError func(error)) (Unsubscribe, error) {
	key := listKey{ref: ref, list: list}
	m.mu.Lock()
	if err := m.checkLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	w := &memWatcher{notify: make(chan struct{}, 1)}
	if m.listWatchers[key] == nil {
		m.listWatchers[key] = make(map[*memWatcher]struct{})
	}
	m.listWatchers[key][w] = struct{}{}
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel, func() {
		m.mu.Lock()
		delete(m.listWatchers[key], w)
		m.mu.Unlock()
	})

	w.poke()
	go func() {
		cursor := 0
		for {
			select {
			case <-subCtx.Done():
				return
			case <-w.notify:
			}
			entries, err := m.entriesFrom(key, cursor)
			if err != nil {
				sub.deliver(func() {
					if onError != nil {
						onError(err)
					}
				})
				continue
			}
			for _, data := range entries {
				e := Entry{ID: strconv.Itoa(cursor), Data: data}
				cursor++
				if !sub.deliver(func() { onEntry(e) }) {
					return
				}
			}
		}
	}()
	return sub.unsubscribe, nil
}

func (m *MemoryStore) Now(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return time.Time{}, err
	}
	return m.clock(), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
