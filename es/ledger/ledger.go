// Package ledger is the transactional front door of the event store.
//
// A Ledger owns the append transaction: it validates pending events, runs
// the adapter's version-checked insert inside one transaction, commits, and
// only then hands the committed events to the publisher. Reads go to an
// optional separate pool so lock waits on a hot stream cannot starve them.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"iter"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/store"
)

// DB is the write pool. *sql.DB implements it.
type DB interface {
	es.DBTX
	es.TxBeginner
}

// Publisher receives events after their transaction committed.
// *publisher.Publisher implements it.
type Publisher interface {
	PublishAll(ctx context.Context, events []es.Event)
}

// Ledger appends to and reads from the event log.
type Ledger struct {
	db        DB
	readDB    es.DBTX
	adapter   store.Adapter
	publisher Publisher
	validator es.PayloadValidator
	logger    es.Logger
	txOptions *sql.TxOptions
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithReadDB routes reads through a separate pool.
func WithReadDB(db es.DBTX) Option {
	return func(l *Ledger) {
		l.readDB = db
	}
}

// WithPublisher sets the publisher notified after each committed append.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) {
		l.publisher = p
	}
}

// WithValidator sets an application-level payload validator that runs
// before any persistence attempt.
func WithValidator(v es.PayloadValidator) Option {
	return func(l *Ledger) {
		l.validator = v
	}
}

// WithLogger sets a logger for the ledger.
func WithLogger(logger es.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithTxOptions sets the options used to begin append transactions.
// Without it the adapter's store.AppendTxOptions apply.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(l *Ledger) {
		l.txOptions = opts
	}
}

// New creates a Ledger writing through db with the given adapter.
func New(db DB, adapter store.Adapter, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		readDB:  db,
		adapter: adapter,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.txOptions == nil {
		l.txOptions = store.AppendTxOptions(adapter)
	}
	return l
}

// Adapter returns the underlying storage adapter.
func (l *Ledger) Adapter() store.Adapter {
	return l.adapter
}

// Append atomically appends events to streamID if the stream's current
// version satisfies expected. Nothing is written on failure.
//
// Calling Append without events is a no-op. A version mismatch returns a
// *es.ConcurrencyConflictError; invalid input returns a *es.ValidationError
// before any storage access.
func (l *Ledger) Append(ctx context.Context, streamID string, expected es.ExpectedVersion, events ...es.PendingEvent) (result es.AppendResult, err error) {
	if len(events) == 0 {
		return es.AppendResult{StreamID: streamID}, nil
	}

	if err := l.validate(streamID, events); err != nil {
		return es.AppendResult{}, err
	}

	tx, err := l.db.BeginTx(ctx, l.txOptions)
	if err != nil {
		return es.AppendResult{}, l.adapter.ClassifyError("begin transaction", err)
	}
	defer func() {
		if err != nil {
			//nolint:errcheck // Rollback error is secondary to the original error
			tx.Rollback()
		}
	}()

	result, err = l.adapter.Append(ctx, tx, streamID, expected, events)
	if err != nil {
		return es.AppendResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return es.AppendResult{}, l.adapter.ClassifyError("commit", err)
	}

	if l.publisher != nil {
		// the append is durable; caller cancellation must not cut delivery short
		l.publisher.PublishAll(context.WithoutCancel(ctx), result.Events)
	}

	return result, nil
}

func (l *Ledger) validate(streamID string, events []es.PendingEvent) error {
	if err := es.ValidatePending(streamID, events); err != nil {
		return err
	}
	if l.validator == nil {
		return nil
	}
	for i := range events {
		if err := l.validator.ValidatePayload(events[i]); err != nil {
			var validationErr *es.ValidationError
			if errors.As(err, &validationErr) {
				if validationErr.Index < 0 {
					validationErr.Index = i
				}
				return validationErr
			}
			return &es.ValidationError{Field: "payload", Reason: err.Error(), Index: i}
		}
	}
	return nil
}

// ReadStream returns the events of one stream in version order.
func (l *Ledger) ReadStream(ctx context.Context, streamID string, opts es.ReadStreamOptions) (es.Stream, error) {
	if err := es.ValidateStreamID(streamID); err != nil {
		return es.Stream{}, err
	}
	if opts.FromVersion < 0 {
		return es.Stream{}, &es.ValidationError{Field: "from_version", Reason: "must not be negative", Index: -1}
	}
	if opts.Limit < 0 {
		return es.Stream{}, &es.ValidationError{Field: "limit", Reason: "must not be negative", Index: -1}
	}
	return l.adapter.ReadStream(ctx, l.readDB, streamID, opts)
}

// ReadAll returns one batch of the global feed.
func (l *Ledger) ReadAll(ctx context.Context, opts es.ReadAllOptions) ([]es.Event, error) {
	if opts.After < 0 {
		return nil, &es.ValidationError{Field: "after", Reason: "must not be negative", Index: -1}
	}
	return l.adapter.ReadAll(ctx, l.readDB, opts)
}

// Feed iterates the global feed from opts.After, fetching opts.Limit()
// events per query until the log is exhausted. Iteration stops at the first
// error, which is yielded once.
//
// Resume a stopped feed by passing the last seen GlobalID as After.
func (l *Ledger) Feed(ctx context.Context, opts es.ReadAllOptions) iter.Seq2[es.Event, error] {
	return func(yield func(es.Event, error) bool) {
		batchOpts := opts
		for {
			batch, err := l.ReadAll(ctx, batchOpts)
			if err != nil {
				yield(es.Event{}, err)
				return
			}
			for i := range batch {
				if !yield(batch[i], nil) {
					return
				}
				batchOpts.After = batch[i].GlobalID
			}
			if len(batch) < batchOpts.Limit() {
				return
			}
		}
	}
}

// GetStreamVersion returns the stream's current version, or
// es.NoStreamVersion when it holds no events.
func (l *Ledger) GetStreamVersion(ctx context.Context, streamID string) (int64, error) {
	if err := es.ValidateStreamID(streamID); err != nil {
		return 0, err
	}
	return l.adapter.GetStreamVersion(ctx, l.readDB, streamID)
}

// StreamExists reports whether the stream holds at least one event.
func (l *Ledger) StreamExists(ctx context.Context, streamID string) (bool, error) {
	version, err := l.GetStreamVersion(ctx, streamID)
	if err != nil {
		return false, err
	}
	return version != es.NoStreamVersion, nil
}

// GetSubscriptionPosition returns the subscription's last acknowledged
// global id, or 0 when the subscription has never advanced.
func (l *Ledger) GetSubscriptionPosition(ctx context.Context, subscriptionID string) (int64, error) {
	if err := validateSubscriptionID(subscriptionID); err != nil {
		return 0, err
	}
	return l.adapter.GetSubscriptionPosition(ctx, l.readDB, subscriptionID)
}

// UpdateSubscriptionPosition moves the subscription's cursor forward.
// A position at or below the stored one is ignored.
func (l *Ledger) UpdateSubscriptionPosition(ctx context.Context, subscriptionID string, position int64) error {
	if err := validateSubscriptionID(subscriptionID); err != nil {
		return err
	}
	if position < 0 {
		return &es.ValidationError{Field: "position", Reason: "must not be negative", Index: -1}
	}
	return l.adapter.UpdateSubscriptionPosition(ctx, l.db, subscriptionID, position)
}

func validateSubscriptionID(id string) error {
	if id == "" {
		return &es.ValidationError{Field: "subscription_id", Reason: "must not be empty", Index: -1}
	}
	if len(id) > es.MaxIdentifierLength {
		return &es.ValidationError{Field: "subscription_id", Reason: "exceeds 255 bytes", Index: -1}
	}
	return nil
}
