package sqlite_test

import (
	"database/sql"
	"testing"

	"github.com/getpup/pupledger/es/adapters/sqlite"
	"github.com/getpup/pupledger/es/store"
	"github.com/getpup/pupledger/es/store/storetest"
)

func TestStoreSuite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (*sql.DB, store.Adapter) {
		return getTestDB(t), sqlite.NewStore(sqlite.DefaultStoreConfig())
	})
}
