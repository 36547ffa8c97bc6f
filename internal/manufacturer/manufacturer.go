// Package manufacturer provides a pure, O(log n) lookup from a Bluetooth SIG
// assigned company identifier to its registered name.
//
// The table is a sorted array built at compile time (see entries.go), the
// same shape the teacher's internal/bledb generator produces for UUID
// lookups: data is generated once, never parsed at call time.
package manufacturer

import "sort"

// Lookup returns the company name registered for id, and whether it was found.
func Lookup(id uint16) (string, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].id >= id })
	if i < len(entries) && entries[i].id == id {
		return entries[i].name, true
	}
	return "", false
}

// Name returns the company name for id, or "Unknown" if not registered.
func Name(id uint16) string {
	if name, ok := Lookup(id); ok {
		return name
	}
	return "Unknown"
}
