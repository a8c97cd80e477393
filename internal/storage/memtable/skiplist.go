package memtable

import (
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// SkipListNode represents a node in the skip list
type SkipListNode[V any] struct {
	Key     uint64
	Value   V
	Forward []*SkipListNode[V]
}

// SkipList is an ordered map from version numbers to values.
// It is not safe for concurrent use; callers hold their own lock.
type SkipList[V any] struct {
	Head  *SkipListNode[V]
	Level int
	Size  int
}

// NewSkipList creates a new skip list
func NewSkipList[V any]() *SkipList[V] {
	head := &SkipListNode[V]{
		Forward: make([]*SkipListNode[V], MaxLevel),
	}
	return &SkipList[V]{
		Head:  head,
		Level: 0,
	}
}

// randomLevel generates a random level for a new node
func (sl *SkipList[V]) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors returns, per level, the last node with a key < key
func (sl *SkipList[V]) findPredecessors(key uint64) []*SkipListNode[V] {
	update := make([]*SkipListNode[V], MaxLevel)
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < key {
			current = current.Forward[i]
		}
		update[i] = current
	}
	return update
}

// Insert adds or updates a key-value pair
func (sl *SkipList[V]) Insert(key uint64, value V) {
	update := sl.findPredecessors(key)

	// Check if key already exists
	current := update[0].Forward[0]
	if current != nil && current.Key == key {
		current.Value = value
		return
	}

	// Insert new node
	newLevel := sl.randomLevel()
	if newLevel > sl.Level {
		for i := sl.Level + 1; i <= newLevel; i++ {
			update[i] = sl.Head
		}
		sl.Level = newLevel
	}

	newNode := &SkipListNode[V]{
		Key:     key,
		Value:   value,
		Forward: make([]*SkipListNode[V], newLevel+1),
	}

	for i := 0; i <= newLevel; i++ {
		newNode.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = newNode
	}

	sl.Size++
}

// Search finds a value by key
func (sl *SkipList[V]) Search(key uint64) (V, bool) {
	if n := sl.ceilingNode(key); n != nil && n.Key == key {
		return n.Value, true
	}
	var zero V
	return zero, false
}

// Ceiling returns the entry with the smallest key >= key
func (sl *SkipList[V]) Ceiling(key uint64) (uint64, V, bool) {
	if n := sl.ceilingNode(key); n != nil {
		return n.Key, n.Value, true
	}
	var zero V
	return 0, zero, false
}

// Floor returns the entry with the largest key <= key
func (sl *SkipList[V]) Floor(key uint64) (uint64, V, bool) {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key <= key {
			current = current.Forward[i]
		}
	}
	if current == sl.Head {
		var zero V
		return 0, zero, false
	}
	return current.Key, current.Value, true
}

// First returns the entry with the smallest key
func (sl *SkipList[V]) First() (uint64, V, bool) {
	if n := sl.Head.Forward[0]; n != nil {
		return n.Key, n.Value, true
	}
	var zero V
	return 0, zero, false
}

// Last returns the entry with the largest key
func (sl *SkipList[V]) Last() (uint64, V, bool) {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil {
			current = current.Forward[i]
		}
	}
	if current == sl.Head {
		var zero V
		return 0, zero, false
	}
	return current.Key, current.Value, true
}

func (sl *SkipList[V]) ceilingNode(key uint64) *SkipListNode[V] {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < key {
			current = current.Forward[i]
		}
	}
	return current.Forward[0]
}

// Delete removes a key from the skip list
func (sl *SkipList[V]) Delete(key uint64) bool {
	update := sl.findPredecessors(key)

	current := update[0].Forward[0]
	if current == nil || current.Key != key {
		return false
	}

	// Remove node
	for i := 0; i <= sl.Level; i++ {
		if update[i].Forward[i] != current {
			break
		}
		update[i].Forward[i] = current.Forward[i]
	}

	sl.shrink()
	sl.Size--
	return true
}

// DeleteWhile removes entries from the front while remove returns true for
// them, and returns how many were removed
func (sl *SkipList[V]) DeleteWhile(remove func(key uint64, value V) bool) int {
	removed := 0
	for {
		n := sl.Head.Forward[0]
		if n == nil || !remove(n.Key, n.Value) {
			break
		}
		for i := 0; i < len(n.Forward); i++ {
			sl.Head.Forward[i] = n.Forward[i]
		}
		sl.Size--
		removed++
	}
	sl.shrink()
	return removed
}

func (sl *SkipList[V]) shrink() {
	for sl.Level > 0 && sl.Head.Forward[sl.Level] == nil {
		sl.Level--
	}
}

// Len returns the number of elements in the skip list
func (sl *SkipList[V]) Len() int {
	return sl.Size
}

// Iterator returns a new skip list iterator
func (sl *SkipList[V]) Iterator() *SkipListIterator[V] {
	return &SkipListIterator[V]{
		current: sl.Head,
	}
}

// Seek returns an iterator whose first Next lands on the smallest key >= key
func (sl *SkipList[V]) Seek(key uint64) *SkipListIterator[V] {
	update := sl.findPredecessors(key)
	return &SkipListIterator[V]{
		current: update[0],
	}
}

// SkipListIterator iterates over skip list entries
type SkipListIterator[V any] struct {
	current *SkipListNode[V]
}

// Next moves to the next element
func (it *SkipListIterator[V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *SkipListIterator[V]) Key() uint64 {
	if it.current == nil {
		return 0
	}
	return it.current.Key
}

// Value returns the current value
func (it *SkipListIterator[V]) Value() V {
	if it.current == nil {
		var zero V
		return zero
	}
	return it.current.Value
}
