package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/errs"
)

// GetHook runs before every Get; tests use it to hold a read in flight.
type GetHook func(ctx context.Context, collection, id string)

// Documents is an in-process backend.Documents.
type Documents struct {
	faults

	notify sync.Mutex // serializes mutations with listener delivery

	mu        sync.Mutex
	cols      map[string]*collection
	listeners map[string]map[int]*listener
	nextLn    int
	writes    int
	unsubs    int
	getHook   GetHook
}

type collection struct {
	order []string
	docs  map[string]map[string]any
}

type listener struct {
	onSnapshot func([]backend.Snapshot)
}

// NewDocuments returns an empty store.
func NewDocuments() *Documents {
	return &Documents{
		cols:      make(map[string]*collection),
		listeners: make(map[string]map[int]*listener),
	}
}

// Assigning returns a view of d that also implements backend.IDAssigner.
func (d *Documents) Assigning() *AssigningDocuments { return &AssigningDocuments{Documents: d} }

// AssigningDocuments adds single-write id assignment to Documents.
type AssigningDocuments struct{ *Documents }

// AddWithID inserts data with idField set to the generated id.
func (a *AssigningDocuments) AddWithID(ctx context.Context, col, idField string, data any) (string, error) {
	return a.add(ctx, col, idField, data)
}

// SetGetHook installs fn to run before every Get (nil removes it).
func (d *Documents) SetGetHook(fn GetHook) {
	d.mu.Lock()
	d.getHook = fn
	d.mu.Unlock()
}

// Writes returns the number of successful mutations.
func (d *Documents) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Listeners returns the number of active listeners on col.
func (d *Documents) Listeners(col string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[col])
}

// Unsubscribes returns how many listeners were actually removed.
func (d *Documents) Unsubscribes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unsubs
}

func (d *Documents) Get(ctx context.Context, col, id string) (backend.Snapshot, error) {
	d.mu.Lock()
	hook := d.getHook
	d.mu.Unlock()
	if hook != nil {
		hook(ctx, col, id)
	}
	if err := ctx.Err(); err != nil {
		return backend.Snapshot{}, err
	}
	if err := d.check(OpGet); err != nil {
		return backend.Snapshot{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cols[col]
	if !ok {
		return backend.Snapshot{}, errs.ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return backend.Snapshot{}, errs.ErrNotFound
	}
	return snapshot(id, doc)
}

func (d *Documents) Query(ctx context.Context, col string) ([]backend.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.check(OpQuery); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotsLocked(col)
}

func (d *Documents) Add(ctx context.Context, col string, data any) (string, error) {
	return d.add(ctx, col, "", data)
}

func (d *Documents) add(ctx context.Context, col, idField string, data any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := d.check(OpAdd); err != nil {
		return "", err
	}
	doc, err := toDoc(data)
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	if idField != "" {
		doc[idField] = id.String()
	}
	if err := d.write(col, func(c *collection) error {
		c.put(id.String(), doc)
		return nil
	}); err != nil {
		return "", err
	}
	return id.String(), nil
}

func (d *Documents) Set(ctx context.Context, col, id string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.check(OpSet); err != nil {
		return err
	}
	doc, err := toDoc(data)
	if err != nil {
		return err
	}
	return d.write(col, func(c *collection) error {
		c.put(id, doc)
		return nil
	})
}

func (d *Documents) Update(ctx context.Context, col, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.check(OpUpdate); err != nil {
		return err
	}
	patch, err := toDoc(fields)
	if err != nil {
		return err
	}
	return d.write(col, func(c *collection) error {
		doc, ok := c.docs[id]
		if !ok {
			return errs.ErrNotFound
		}
		next := cloneDoc(doc)
		for k, v := range patch {
			next[k] = v
		}
		c.docs[id] = next
		return nil
	})
}

func (d *Documents) ArrayUnion(ctx context.Context, col, id, field string, values ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.check(OpArrayUnion); err != nil {
		return err
	}
	return d.write(col, func(c *collection) error {
		doc, ok := c.docs[id]
		if !ok {
			return errs.ErrNotFound
		}
		arr := toArray(doc[field])
		for _, v := range values {
			if !containsValue(arr, v) {
				arr = append(arr, v)
			}
		}
		next := cloneDoc(doc)
		next[field] = arr
		c.docs[id] = next
		return nil
	})
}

func (d *Documents) ArrayRemove(ctx context.Context, col, id, field string, values ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.check(OpArrayRemove); err != nil {
		return err
	}
	return d.write(col, func(c *collection) error {
		doc, ok := c.docs[id]
		if !ok {
			return errs.ErrNotFound
		}
		drop := make(map[string]struct{}, len(values))
		for _, v := range values {
			drop[v] = struct{}{}
		}
		arr := make([]any, 0)
		for _, e := range toArray(doc[field]) {
			if s, ok := e.(string); ok {
				if _, gone := drop[s]; gone {
					continue
				}
			}
			arr = append(arr, e)
		}
		next := cloneDoc(doc)
		next[field] = arr
		c.docs[id] = next
		return nil
	})
}

// Listen delivers the collection synchronously before returning and after every write.
func (d *Documents) Listen(ctx context.Context, col string, onSnapshot func([]backend.Snapshot), onError func(error)) (func(), error) {
	if err := d.check(OpListen); err != nil {
		return nil, err
	}

	d.notify.Lock()
	d.mu.Lock()
	if d.listeners[col] == nil {
		d.listeners[col] = make(map[int]*listener)
	}
	id := d.nextLn
	d.nextLn++
	d.listeners[col][id] = &listener{onSnapshot: onSnapshot}
	snaps, err := d.snapshotsLocked(col)
	d.mu.Unlock()
	if err == nil {
		onSnapshot(snaps)
	} else if onError != nil {
		onError(err)
	}
	d.notify.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if _, ok := d.listeners[col][id]; ok {
				delete(d.listeners[col], id)
				d.unsubs++
			}
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

func (d *Documents) write(col string, mutate func(*collection) error) error {
	d.notify.Lock()
	defer d.notify.Unlock()

	d.mu.Lock()
	c, ok := d.cols[col]
	if !ok {
		c = &collection{docs: make(map[string]map[string]any)}
		d.cols[col] = c
	}
	if err := mutate(c); err != nil {
		d.mu.Unlock()
		return err
	}
	d.writes++
	var fns []func([]backend.Snapshot)
	for _, l := range d.listeners[col] {
		fns = append(fns, l.onSnapshot)
	}
	var snaps []backend.Snapshot
	var err error
	if len(fns) > 0 {
		snaps, err = d.snapshotsLocked(col)
	}
	d.mu.Unlock()

	if err != nil {
		return nil
	}
	for _, fn := range fns {
		fn(snaps)
	}
	return nil
}

func (d *Documents) snapshotsLocked(col string) ([]backend.Snapshot, error) {
	c, ok := d.cols[col]
	if !ok {
		return []backend.Snapshot{}, nil
	}
	out := make([]backend.Snapshot, 0, len(c.order))
	for _, id := range c.order {
		s, err := snapshot(id, c.docs[id])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *collection) put(id string, doc map[string]any) {
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = doc
}

func snapshot(id string, doc map[string]any) (backend.Snapshot, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return backend.Snapshot{}, fmt.Errorf("encode %s: %w", id, err)
	}
	return backend.JSONSnapshot(id, raw), nil
}

// toDoc normalizes data through JSON so stored values never alias caller memory.
func toDoc(data any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document must be an object: %w", err)
	}
	return doc, nil
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func toArray(v any) []any {
	arr, ok := v.([]any)
	if !ok {
		return []any{}
	}
	return append([]any(nil), arr...)
}

func containsValue(arr []any, v string) bool {
	for _, e := range arr {
		if s, ok := e.(string); ok && s == v {
			return true
		}
	}
	return false
}
