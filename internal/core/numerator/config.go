// Package numerator defines sequence scopes and the counter store contract
// used for reference allocation.
package numerator

import "fmt"

// Scope identifies one independent counter. Year 0 means the counter is
// not reset per year.
type Scope struct {
	Prefix string
	Year   int
}

// YearScope returns a scope reset every calendar year.
func YearScope(prefix string, year int) Scope {
	return Scope{Prefix: prefix, Year: year}
}

// GlobalScope returns a scope that never resets.
func GlobalScope(prefix string) Scope {
	return Scope{Prefix: prefix}
}

// Yearly reports whether the scope is reset per year.
func (s Scope) Yearly() bool {
	return s.Year != 0
}

// Key is a printable key for logs and caches.
func (s Scope) Key() string {
	if s.Yearly() {
		return fmt.Sprintf("%s:%d", s.Prefix, s.Year)
	}
	return s.Prefix
}
