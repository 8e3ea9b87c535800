package repo

import "gorm.io/gorm"

// Keyset is a position in a (created_at_ms DESC, composite_key DESC) scan.
// The zero value starts at the newest row. A Keyset with an empty Key
// admits only rows strictly older than CreatedAtMs.
type Keyset struct {
	CreatedAtMs int64
	Key         string
}

// IsZero reports whether k places no bound on the scan.
func (k Keyset) IsZero() bool { return k.CreatedAtMs == 0 && k.Key == "" }

// bound restricts q to rows ordered after k. tsCol and keyCol name the
// columns the scan is ordered by.
func (k Keyset) bound(q *gorm.DB, tsCol, keyCol string) *gorm.DB {
	if k.IsZero() {
		return q
	}
	if k.Key == "" {
		return q.Where(tsCol+" < ?", k.CreatedAtMs)
	}
	return q.Where("("+tsCol+" < ? OR ("+tsCol+" = ? AND "+keyCol+" < ?))", k.CreatedAtMs, k.CreatedAtMs, k.Key)
}
