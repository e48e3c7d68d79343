package mysql

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/getpup/pupledger/es"
)

func TestClassify(t *testing.T) {
	versionDup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'a-0' for key 'events.uq_events_stream_version'"}
	eventIDDup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'events.uq_events_event_id'"}
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	timeout := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	noTable := &mysql.MySQLError{Number: 1146, Message: "Table 'x.events' doesn't exist"}

	assert.True(t, IsVersionConflict(versionDup))
	assert.True(t, IsVersionConflict(fmt.Errorf("wrapped: %w", versionDup)))
	assert.False(t, IsVersionConflict(eventIDDup))
	assert.True(t, IsUniqueViolation(eventIDDup))

	assert.ErrorIs(t, classify("op", deadlock), es.ErrTransient)
	assert.ErrorIs(t, classify("op", timeout), es.ErrTransient)
	assert.ErrorIs(t, classify("op", mysql.ErrInvalidConn), es.ErrTransient)
	assert.ErrorIs(t, classify("op", eventIDDup), es.ErrFatalSchema)
	assert.ErrorIs(t, classify("op", noTable), es.ErrFatalSchema)
	assert.True(t, errors.Is(classify("op", noTable), noTable))
	assert.NoError(t, classify("op", nil))
}
