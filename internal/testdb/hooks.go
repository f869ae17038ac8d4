package testdb

import (
	"sync/atomic"
	"testing"

	"gorm.io/gorm"
)

// AfterNextQuery runs fn once, right after the next SELECT against table
// returns and before the caller sees the result. fn gets a handle on the same
// connection or transaction as the query, so it can commit a competing write
// between a service's existence check and its insert.
func AfterNextQuery(t testing.TB, conn *gorm.DB, table string, fn func(tx *gorm.DB) error) {
	t.Helper()
	var fired atomic.Bool
	err := conn.Callback().Query().After("gorm:query").Register("testdb:after_next_query:"+table, func(db *gorm.DB) {
		if db.Statement.Table != table || !fired.CompareAndSwap(false, true) {
			return
		}
		tx := db.Session(&gorm.Session{NewDB: true})
		tx.Error = nil
		if err := fn(tx); err != nil {
			t.Errorf("write after query on %s: %v", table, err)
		}
	})
	if err != nil {
		t.Fatalf("register query hook: %v", err)
	}
	t.Cleanup(func() {
		if !fired.Load() {
			t.Errorf("no query against %s ran", table)
		}
	})
}
