package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/fleet-simulator/model"
)

var (
	// ErrEntityExists indicates an entity with the same ID is already stored.
	ErrEntityExists = errors.New("entity already exists")
	// ErrEntityNotFound indicates a requested entity was not found.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrClassNotFound indicates an entity references an unknown class.
	ErrClassNotFound = errors.New("class not found")
	// ErrInvalidEntity indicates an entity failed validation on insert.
	ErrInvalidEntity = errors.New("invalid entity")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventEntityAdded EventType = iota
)

// Event is emitted to subscribers when an entity is inserted.
type Event struct {
	Type   EventType
	Entity model.Entity
}

// KnowledgeBase is the Entity Store: an in-memory, thread-safe home for
// per-entity state and the static class table. It holds no simulation logic.
//
// Entities are kept in ascending ID order so that every phase that ranks by ID
// can walk the slice directly.
type KnowledgeBase struct {
	mu sync.RWMutex

	classes  map[model.ClassID]*model.ClassParams
	classIDs []model.ClassID

	entities []*model.Entity
	index    map[model.EntityID]int
	byClass  map[model.ClassID][]int
	maxID    model.EntityID

	subs    []subscriber
	nextSub int
}

type subscriber struct {
	id int
	fn func(Event)
}

// NewKnowledgeBase constructs an empty KB serving the given classes.
func NewKnowledgeBase(classes []model.ClassParams) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{
		classes: make(map[model.ClassID]*model.ClassParams, len(classes)),
		index:   make(map[model.EntityID]int),
		byClass: make(map[model.ClassID][]int),
	}
	for i := range classes {
		c := classes[i]
		if c.ID == "" {
			return nil, fmt.Errorf("class %d: empty id", i)
		}
		if _, dup := kb.classes[c.ID]; dup {
			return nil, fmt.Errorf("class %q declared twice", c.ID)
		}
		if c.Kind == "" {
			c.Kind = model.KindAirframe
		}
		kb.classes[c.ID] = &c
		kb.classIDs = append(kb.classIDs, c.ID)
	}
	sort.Slice(kb.classIDs, func(i, j int) bool { return kb.classIDs[i] < kb.classIDs[j] })
	return kb, nil
}

// Load inserts an initial fleet snapshot. Records may arrive in any order.
func (kb *KnowledgeBase) Load(fleet []model.Entity) error {
	sorted := make([]model.Entity, len(fleet))
	copy(sorted, fleet)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	kb.mu.Lock()
	defer kb.mu.Unlock()
	for i := range sorted {
		e := sorted[i]
		if err := kb.insertLocked(&e); err != nil {
			return err
		}
	}
	return nil
}

// AddEntity inserts one entity, filling unset thresholds from its class.
func (kb *KnowledgeBase) AddEntity(e *model.Entity) error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidEntity)
	}
	kb.mu.Lock()
	cp := *e
	err := kb.insertLocked(&cp)
	subs := kb.subscribersLocked()
	kb.mu.Unlock()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		sub(Event{Type: EventEntityAdded, Entity: cp})
	}
	return nil
}

func (kb *KnowledgeBase) insertLocked(e *model.Entity) error {
	if e.ID == 0 {
		return fmt.Errorf("%w: id 0 is reserved", ErrInvalidEntity)
	}
	if _, exists := kb.index[e.ID]; exists {
		return fmt.Errorf("%w: %d", ErrEntityExists, e.ID)
	}
	class, ok := kb.classes[e.Class]
	if !ok {
		return fmt.Errorf("%w: entity %d references %q", ErrClassNotFound, e.ID, e.Class)
	}
	if !e.State.Valid() {
		return fmt.Errorf("%w: entity %d has state %s", ErrInvalidEntity, e.ID, e.State)
	}
	if e.SNE < 0 || e.PPR < 0 || e.RepairDays < 0 {
		return fmt.Errorf("%w: entity %d has negative counters", ErrInvalidEntity, e.ID)
	}
	class.ApplyDefaults(e)
	e.Bay = model.NoBay
	e.Horizon = model.Never

	if e.ID > kb.maxID {
		kb.entities = append(kb.entities, e)
		kb.index[e.ID] = len(kb.entities) - 1
		kb.byClass[e.Class] = append(kb.byClass[e.Class], len(kb.entities)-1)
		kb.maxID = e.ID
		return nil
	}

	// Out-of-order insert: splice and rebuild the indexes.
	pos := sort.Search(len(kb.entities), func(i int) bool { return kb.entities[i].ID > e.ID })
	kb.entities = append(kb.entities, nil)
	copy(kb.entities[pos+1:], kb.entities[pos:])
	kb.entities[pos] = e
	kb.reindexLocked()
	return nil
}

func (kb *KnowledgeBase) reindexLocked() {
	kb.index = make(map[model.EntityID]int, len(kb.entities))
	kb.byClass = make(map[model.ClassID][]int, len(kb.classes))
	for i, e := range kb.entities {
		kb.index[e.ID] = i
		kb.byClass[e.Class] = append(kb.byClass[e.Class], i)
	}
}

// Get returns a copy of the entity with the given ID.
func (kb *KnowledgeBase) Get(id model.EntityID) (*model.Entity, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	i, ok := kb.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEntityNotFound, id)
	}
	return kb.entities[i].Clone(), nil
}

// Len returns the number of stored entities.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.entities)
}

// MaxID returns the largest entity ID stored so far.
func (kb *KnowledgeBase) MaxID() model.EntityID {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.maxID
}

// Class returns the static parameters of a class, or nil.
// The returned value is shared and must be treated as read-only.
func (kb *KnowledgeBase) Class(id model.ClassID) *model.ClassParams {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.classes[id]
}

// ClassIDs returns all class IDs in sorted order.
func (kb *KnowledgeBase) ClassIDs() []model.ClassID {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]model.ClassID(nil), kb.classIDs...)
}

// List returns copies of every entity, in ascending ID order.
func (kb *KnowledgeBase) List() []model.Entity {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	out := make([]model.Entity, len(kb.entities))
	for i, e := range kb.entities {
		out[i] = *e
	}
	return out
}

// CountByState tallies the entities of one class per state.
func (kb *KnowledgeBase) CountByState(class model.ClassID) [model.NumStates]int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	var counts [model.NumStates]int
	for _, i := range kb.byClass[class] {
		counts[kb.entities[i].State]++
	}
	return counts
}

// Update runs fn with exclusive access to the entity slice. The engine runs
// one event day per Update so that readers always observe whole days.
func (kb *KnowledgeBase) Update(fn func(tx *Tx) error) error {
	if fn == nil {
		return nil
	}
	kb.mu.Lock()
	tx := &Tx{kb: kb}
	err := fn(tx)
	subs := kb.subscribersLocked()
	added := tx.added
	kb.mu.Unlock()

	for _, e := range added {
		for _, sub := range subs {
			sub(Event{Type: EventEntityAdded, Entity: e})
		}
	}
	return err
}

// View runs fn with shared access to the entity slice. fn must not mutate.
func (kb *KnowledgeBase) View(fn func(tx *Tx) error) error {
	if fn == nil {
		return nil
	}
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return fn(&Tx{kb: kb, readOnly: true})
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextSub++
	id := kb.nextSub
	kb.subs = append(kb.subs, subscriber{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, s := range kb.subs {
			if s.id == id {
				kb.subs = append(kb.subs[:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	out := make([]func(Event), len(kb.subs))
	for i, s := range kb.subs {
		out[i] = s.fn
	}
	return out
}

// Tx is the lock-held handle passed to Update and View callbacks.
// It must not escape the callback.
type Tx struct {
	kb       *KnowledgeBase
	readOnly bool
	added    []model.Entity
}

// Entities returns the live, ID-ordered entity slice.
func (tx *Tx) Entities() []*model.Entity {
	return tx.kb.entities
}

// Index returns the slice position of an entity ID.
func (tx *Tx) Index(id model.EntityID) (int, bool) {
	i, ok := tx.kb.index[id]
	return i, ok
}

// Lookup returns the live entity with the given ID, or nil.
func (tx *Tx) Lookup(id model.EntityID) *model.Entity {
	if i, ok := tx.kb.index[id]; ok {
		return tx.kb.entities[i]
	}
	return nil
}

// Members returns the slice positions of a class's entities in ID order.
func (tx *Tx) Members(class model.ClassID) []int {
	return tx.kb.byClass[class]
}

// Class returns the static parameters of a class, or nil.
func (tx *Tx) Class(id model.ClassID) *model.ClassParams {
	return tx.kb.classes[id]
}

// ClassIDs returns all class IDs in sorted order. The slice is shared.
func (tx *Tx) ClassIDs() []model.ClassID {
	return tx.kb.classIDs
}

// MaxID returns the largest entity ID stored so far.
func (tx *Tx) MaxID() model.EntityID {
	return tx.kb.maxID
}

// Append inserts a new entity whose ID must exceed every stored ID.
func (tx *Tx) Append(e *model.Entity) error {
	if tx.readOnly {
		return errors.New("kb: append inside View")
	}
	if e == nil || e.ID <= tx.kb.maxID {
		return fmt.Errorf("%w: append requires id above %d", ErrInvalidEntity, tx.kb.maxID)
	}
	if err := tx.kb.insertLocked(e); err != nil {
		return err
	}
	tx.added = append(tx.added, *e)
	return nil
}
