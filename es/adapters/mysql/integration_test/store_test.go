// Package integration_test contains integration tests for the MySQL adapter.
// These tests need Docker, or a MySQL/MariaDB instance given by MYSQL_DSN.
//
// Run with: go test -tags=integration ./es/adapters/mysql/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/adapters/mysql"
	"github.com/getpup/pupledger/es/migrations"
	"github.com/getpup/pupledger/es/store"
	"github.com/getpup/pupledger/es/store/storetest"
)

var (
	dsnOnce sync.Once
	dsn     string
)

func testDSN(t *testing.T) string {
	t.Helper()

	dsnOnce.Do(func() {
		if env := os.Getenv("MYSQL_DSN"); env != "" {
			dsn = env
			return
		}

		ctx := context.Background()
		defer func() {
			if r := recover(); r != nil {
				dsn = ""
			}
		}()

		req := testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "password",
				"MYSQL_DATABASE":      "pupledger_test",
			},
			WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(120 * time.Second),
		}
		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
		if err != nil {
			return
		}

		host, _ := ctr.Host(ctx)
		port, _ := ctr.MappedPort(ctx, "3306")
		dsn = fmt.Sprintf("root:password@tcp(%s:%s)/pupledger_test?parseTime=true&loc=UTC", host, port.Port())
	})

	if dsn == "" {
		t.Skip("docker/container runtime unavailable and MYSQL_DSN not set")
	}
	return dsn
}

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("mysql", testDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// The server may still be initializing right after the port opens.
	require.Eventually(t, func() bool { return db.Ping() == nil }, 60*time.Second, time.Second)

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS subscription_cursors",
		"DROP TABLE IF EXISTS events",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	config := migrations.DefaultConfig()
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.MySQL, &config))
	return db
}

func TestStoreSuite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (*sql.DB, store.Adapter) {
		return getTestDB(t), mysql.NewStore(mysql.DefaultStoreConfig())
	})
}

func TestAppend_RoundTripsTenantAndTimestamps(t *testing.T) {
	db := getTestDB(t)
	s := mysql.NewStore(mysql.DefaultStoreConfig())
	ctx := context.Background()

	tenant := uuid.NullUUID{UUID: uuid.New(), Valid: true}
	result, err := storetest.Append(ctx, db, s, "tenant-stream", es.NoStream(), es.PendingEvent{
		EventType: "Created",
		Payload:   []byte(`{"name":"x"}`),
		TenantID:  tenant,
	})
	require.NoError(t, err)

	stream, err := s.ReadStream(ctx, db, "tenant-stream", es.ReadStreamOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, stream.Len())
	assert.Equal(t, tenant, stream.Events[0].TenantID)
	assert.Equal(t, result.Events[0].EventID, stream.Events[0].EventID)
	assert.True(t, result.Events[0].CreatedAt.Equal(stream.Events[0].CreatedAt))
}

func TestReadAll_HoldsBackUntilEarlierIDCommits(t *testing.T) {
	db := getTestDB(t)
	s := mysql.NewStore(mysql.DefaultStoreConfig())
	ctx := context.Background()

	slow, err := db.BeginTx(ctx, store.AppendTxOptions(s))
	require.NoError(t, err)
	defer func() { _ = slow.Rollback() }()
	first, err := s.Append(ctx, slow, "slow", es.NoStream(), []es.PendingEvent{{EventType: "Created", Payload: []byte(`{}`)}})
	require.NoError(t, err)

	second, err := storetest.Append(ctx, db, s, "fast", es.NoStream(), es.PendingEvent{EventType: "Created", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Greater(t, second.GlobalIDs[0], first.GlobalIDs[0])

	events, err := s.ReadAll(ctx, db, es.ReadAllOptions{})
	require.NoError(t, err)
	assert.Empty(t, events, "the later id waits for the open transaction")

	require.NoError(t, slow.Commit())

	events, err = s.ReadAll(ctx, db, es.ReadAllOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.GlobalIDs[0], events[0].GlobalID)
	assert.Equal(t, second.GlobalIDs[0], events[1].GlobalID)
}

func TestReadAll_SkipsRolledBackIDAfterWindow(t *testing.T) {
	db := getTestDB(t)
	s := mysql.NewStore(mysql.NewStoreConfig(mysql.WithCommitWindow(200 * time.Millisecond)))
	ctx := context.Background()

	aborted, err := db.BeginTx(ctx, store.AppendTxOptions(s))
	require.NoError(t, err)
	_, err = s.Append(ctx, aborted, "aborted", es.NoStream(), []es.PendingEvent{{EventType: "Created", Payload: []byte(`{}`)}})
	require.NoError(t, err)

	kept, err := storetest.Append(ctx, db, s, "kept", es.NoStream(), es.PendingEvent{EventType: "Created", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, aborted.Rollback())

	require.Eventually(t, func() bool {
		events, err := s.ReadAll(ctx, db, es.ReadAllOptions{})
		return err == nil && len(events) == 1 && events[0].GlobalID == kept.GlobalIDs[0]
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAppend_AdjacentNewStreamsDoNotCollide(t *testing.T) {
	db := getTestDB(t)
	s := mysql.NewStore(mysql.DefaultStoreConfig())
	ctx := context.Background()

	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, rounds*2)
	for i := 0; i < rounds; i++ {
		for _, suffix := range []string{"", "a"} {
			wg.Add(1)
			go func(streamID string) {
				defer wg.Done()
				_, err := storetest.Append(ctx, db, s, streamID, es.NoStream(), es.PendingEvent{EventType: "Created", Payload: []byte(`{}`)})
				errs <- err
			}(fmt.Sprintf("s-%02d%s", i, suffix))
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
