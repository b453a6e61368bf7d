// Package queue holds pending work items not yet assigned to a worker.
// Ordering is class-then-arrival: every command precedes every event, and
// within a class items leave in enqueue order. Contents are purely
// in-memory; a coordinator restart starts with an empty queue.
package queue

// Queue is an ordered buffer of pending work. It performs no
// duplicate-identity checking; uniqueness is the caller's responsibility.
// Not safe for concurrent use: the engine serializes all access.
type Queue struct {
	commands []Item
	events   []Item
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push inserts an item honoring the class-then-timestamp ordering.
func (q *Queue) Push(it Item) {
	switch it.Class {
	case ClassCommand:
		q.commands = append(q.commands, it)
	default:
		q.events = append(q.events, it)
	}
}

// Pop removes and returns the next-eligible item: the oldest command if any
// command is pending, otherwise the oldest event. ok is false when empty.
func (q *Queue) Pop() (Item, bool) {
	if len(q.commands) > 0 {
		it := q.commands[0]
		q.commands = q.commands[1:]
		return it, true
	}
	if len(q.events) > 0 {
		it := q.events[0]
		q.events = q.events[1:]
		return it, true
	}
	return Item{}, false
}

// Len returns the total number of queued items.
func (q *Queue) Len() int {
	return len(q.commands) + len(q.events)
}

// Commands returns the number of queued command items.
func (q *Queue) Commands() int {
	return len(q.commands)
}

// Events returns the number of queued event items.
func (q *Queue) Events() int {
	return len(q.events)
}
