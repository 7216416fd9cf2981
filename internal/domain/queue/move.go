package queue

import "github.com/google/uuid"

// IndexOf returns the index of id in entries, or -1.
func IndexOf(entries []Entry, id uuid.UUID) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Move returns a new slice with the element at from removed and reinserted at
// to. The input slice is left untouched.
func Move(entries []Entry, from, to int) []Entry {
	out := make([]Entry, 0, len(entries))
	out = append(out, entries[:from]...)
	out = append(out, entries[from+1:]...)

	moved := entries[from]
	out = append(out, Entry{})
	copy(out[to+1:], out[to:])
	out[to] = moved
	return out
}
