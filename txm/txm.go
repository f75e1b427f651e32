package txm

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the runtime knobs of the transaction manager.
type Config struct {
	// MaxPending caps the number of in-flight (submitted, monitored)
	// transactions process-wide. Submissions beyond it are rejected with
	// ErrTooManyPending.
	MaxPending int

	MaxRetries     int
	RetryBaseDelay time.Duration

	// TxTimeout is the window from broadcast to the monitor's absolute
	// deadline.
	TxTimeout          time.Duration
	ConfirmationBlocks uint64
	ConfirmPollPeriod  time.Duration

	NonceSyncInterval time.Duration
	RetentionPeriod   time.Duration
	ReapInterval      time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPending <= 0 {
		c.MaxPending = 100
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 5 * time.Minute
	}
	if c.ConfirmationBlocks == 0 {
		c.ConfirmationBlocks = 1
	}
	if c.ConfirmPollPeriod <= 0 {
		c.ConfirmPollPeriod = 3 * time.Second
	}
	if c.NonceSyncInterval <= 0 {
		c.NonceSyncInterval = time.Minute
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 24 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
}

// SubmitOptions tune a single submission. RetryOnFailure defaults to true
// and MaxRetries to the manager's configured budget.
type SubmitOptions struct {
	RetryOnFailure *bool `json:"retryOnFailure,omitempty"`
	MaxRetries     *int  `json:"maxRetries,omitempty"`
}

func (o SubmitOptions) retryEnabled() bool {
	return o.RetryOnFailure == nil || *o.RetryOnFailure
}

// Txm issues, tracks and confirms transactions across chains. One
// submission call per request, one monitor goroutine per in-flight
// transaction, plus periodic nonce reconciliation and history reaping.
type Txm struct {
	lggr    *zap.SugaredLogger
	cfg     Config
	signer  Signer
	ledger  *NonceLedger
	builder *Builder

	resolver ProviderResolver
	store    *TxStore
	records  RecordStore
	events   EventPublisher
	metrics  *Metrics

	sleep Sleeper
	now   func() time.Time

	started atomic.Bool
	stopped atomic.Bool
	chStop  chan struct{}
	done    sync.WaitGroup
}

func New(lggr *zap.SugaredLogger, cfg Config, resolver ProviderResolver, signer Signer, oracle GasOracle, records RecordStore, events EventPublisher) *Txm {
	cfg.applyDefaults()
	if records == nil {
		records = NewMemoryStore()
	}
	ledger := NewNonceLedger(lggr, resolver, records)
	t := &Txm{
		lggr:     lggr.Named("Txm"),
		cfg:      cfg,
		signer:   signer,
		ledger:   ledger,
		builder:  NewBuilder(lggr, ledger, resolver, oracle),
		resolver: resolver,
		store:    NewTxStore(),
		records:  records,
		events:   events,
		metrics:  NewMetrics(),
		sleep:    defaultSleeper,
		now:      time.Now,
	}
	t.chStop = make(chan struct{})
	return t
}

func (t *Txm) Ledger() *NonceLedger { return t.ledger }
func (t *Txm) Builder() *Builder    { return t.builder }
func (t *Txm) Metrics() *Metrics    { return t.metrics }
func (t *Txm) InflightCount() int   { return t.store.InflightCount() }
func (t *Txm) HistoryCount() int    { return t.store.HistoryCount() }
func (t *Txm) TrackedAccounts() int { return len(t.ledger.Keys()) }
func (t *Txm) Name() string         { return "Txm" }

// Start re-spawns monitors for every persisted SUBMITTED record, then
// launches the reconcile and reap loops.
func (t *Txm) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("already started")
	}
	t.lggr.Info("starting transaction manager")

	pending, err := t.records.PendingTransactions(ctx)
	if err != nil {
		t.lggr.Errorw("could not enumerate persisted pending transactions", "error", err)
	}
	resumed := 0
	for _, rec := range pending {
		if rec.Status != StatusSubmitted {
			continue
		}
		if err := t.store.AddInFlight(rec); err != nil {
			t.lggr.Errorw("could not resume transaction", "txId", rec.ID, "error", err)
			continue
		}
		t.startMonitor(rec)
		resumed++
	}
	if resumed > 0 {
		t.lggr.Infow("resumed monitoring of persisted transactions", "count", resumed)
	}

	t.done.Add(2)
	go t.nonceSyncLoop()
	go t.reapLoop()
	return nil
}

func (t *Txm) Close() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return fmt.Errorf("already stopped")
	}
	close(t.chStop)
	t.done.Wait()
	t.lggr.Info("transaction manager stopped")
	return nil
}

func (t *Txm) HealthReport() map[string]error {
	var err error
	if !t.started.Load() {
		err = fmt.Errorf("not started")
	} else if t.stopped.Load() {
		err = fmt.Errorf("stopped")
	}
	return map[string]error{t.Name(): err}
}

// stopCtx returns a context canceled when the service shuts down.
func (t *Txm) stopCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-t.chStop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Submit signs and broadcasts a built descriptor. It returns as soon as the
// broadcast succeeds or the retry budget is exhausted; confirmation runs
// asynchronously. The nonce was fixed at build time and is reused verbatim
// across attempts.
func (t *Txm) Submit(ctx context.Context, keyRef string, tx *UnsignedTx, opts SubmitOptions) (*TxRecord, error) {
	if tx == nil {
		return nil, &InvalidRequestError{Reason: "missing transaction"}
	}
	if err := tx.Gas.Validate(); err != nil {
		return nil, &InvalidRequestError{Reason: err.Error()}
	}
	if keyRef == "" {
		return nil, &InvalidRequestError{Reason: "missing key reference"}
	}
	// Claim a slot under the ceiling before any signing work. The claim is
	// consumed when the broadcast lands in the store, or handed back below
	// when every attempt fails.
	if err := t.store.ReserveInFlight(t.cfg.MaxPending); err != nil {
		return nil, err
	}

	txID := newTxID(t.now())
	maxRetries := t.cfg.MaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}
	backoff := BackoffPolicy{BaseDelay: t.cfg.RetryBaseDelay, MaxRetries: maxRetries}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts = attempt + 1
		t.lggr.Infow("submitting transaction",
			"txId", txID, "chain", ChainName(tx.ChainID),
			"nonce", tx.Nonce, "attempt", attempts, "maxAttempts", maxRetries+1)

		rec, err := t.trySubmit(ctx, txID, keyRef, tx, attempt)
		if err == nil {
			return rec, nil
		}
		lastErr = err

		if !opts.retryEnabled() || !Retryable(err) || attempt == maxRetries {
			break
		}
		t.lggr.Warnw("submission attempt failed, backing off",
			"txId", txID, "attempt", attempts, "error", err)
		if serr := t.sleep(ctx, backoff.Delay(attempt)); serr != nil {
			lastErr = serr
			break
		}
	}

	// The descriptor never reached the chain: hand the slot and the nonce
	// back and record the failure.
	t.store.CancelReservation()
	t.ledger.ReleaseOnFailure(tx.ChainID, tx.From, tx.Nonce)
	t.metrics.RecordFailed(tx.ChainID)
	failed := &FailedSubmission{
		TxID:        txID,
		ChainID:     tx.ChainID,
		Transaction: tx,
		Error:       lastErr.Error(),
		Attempts:    attempts,
		Timestamp:   t.now(),
	}
	if err := t.records.PutFailedSubmission(ctx, failed, t.cfg.RetentionPeriod); err != nil {
		t.lggr.Errorw("could not persist failed submission", "txId", txID, "error", err)
	}
	return nil, fmt.Errorf("submission failed after %d attempts: %w", attempts, lastErr)
}

func (t *Txm) trySubmit(ctx context.Context, txID, keyRef string, tx *UnsignedTx, attempt int) (*TxRecord, error) {
	raw, err := t.signer.SignTransaction(ctx, keyRef, tx)
	if err != nil {
		return nil, &SigningError{KeyRef: keyRef, Err: err}
	}

	provider, err := t.resolver.Provider(ctx, tx.ChainID)
	if err != nil {
		return nil, &ProviderError{Op: "resolve provider", Err: err}
	}
	hash, err := provider.SendRawTransaction(ctx, raw)
	if err != nil {
		return nil, ClassifyBroadcastError(err)
	}

	now := t.now()
	rec := &TxRecord{
		ID:                 txID,
		Hash:               hash,
		ChainID:            tx.ChainID,
		ChainName:          ChainName(tx.ChainID),
		From:               tx.From,
		To:                 tx.To,
		Value:              tx.Value,
		Data:               tx.Data,
		Nonce:              tx.Nonce,
		Status:             StatusSubmitted,
		SubmittedAt:        now,
		GasParams:          tx.Gas,
		RetryCount:         attempt,
		KeyRef:             keyRef,
		TimeoutAt:          now.Add(t.cfg.TxTimeout),
		ConfirmationTarget: t.cfg.ConfirmationBlocks,
	}
	if err := t.store.AddInFlight(rec); err != nil {
		return nil, err
	}
	t.persistRecord(ctx, rec)
	t.metrics.RecordSubmitted(tx.ChainID)
	t.publish(ctx, EventSubmitted, rec)

	t.lggr.Infow("transaction broadcast",
		"txId", rec.ID, "txHash", hash.Hex(), "chain", rec.ChainName, "nonce", rec.Nonce)

	// Snapshot before the monitor starts: the caller's copy must not share
	// the record the monitor finalizes.
	snapshot := *rec
	t.startMonitor(rec)
	return &snapshot, nil
}

// Transaction looks a record up by id, in flight first, then history,
// then the durable store.
func (t *Txm) Transaction(ctx context.Context, txID string) (*TxRecord, error) {
	if rec, ok := t.store.Get(txID); ok {
		return rec, nil
	}
	rec, err := t.records.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *Txm) startMonitor(rec *TxRecord) {
	t.done.Add(1)
	go t.monitor(rec)
}

func (t *Txm) persistRecord(ctx context.Context, rec *TxRecord) {
	ttl := time.Duration(0)
	if rec.Status.Terminal() {
		ttl = t.cfg.RetentionPeriod
	}
	if err := t.records.PutTransaction(ctx, rec, ttl); err != nil {
		t.lggr.Errorw("could not persist transaction record", "txId", rec.ID, "error", err)
	}
}

// publish is fire and forget: a dropped event never fails submission or
// confirmation handling.
func (t *Txm) publish(ctx context.Context, typ EventType, rec *TxRecord) {
	if t.events == nil {
		return
	}
	t.events.Publish(ctx, Event{
		Type:      typ,
		TxID:      rec.ID,
		TxHash:    rec.Hash,
		ChainID:   rec.ChainID,
		Timestamp: t.now(),
	})
}

func (t *Txm) nonceSyncLoop() {
	defer t.done.Done()
	ctx, cancel := t.stopCtx()
	defer cancel()

	ticker := time.NewTicker(t.cfg.NonceSyncInterval)
	defer ticker.Stop()

	t.lggr.Debugw("nonceSyncLoop: started", "interval", t.cfg.NonceSyncInterval)
	for {
		select {
		case <-ticker.C:
			for _, key := range t.ledger.Keys() {
				if _, err := t.ledger.Reconcile(ctx, key.ChainID, key.Address); err != nil {
					t.lggr.Errorw("nonce reconcile failed", "key", key.String(), "error", err)
				}
			}
		case <-t.chStop:
			t.lggr.Debugw("nonceSyncLoop: stopped")
			return
		}
	}
}

func (t *Txm) reapLoop() {
	defer t.done.Done()

	ticker := time.NewTicker(t.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if reaped := t.store.ReapExpired(t.now(), t.cfg.RetentionPeriod); reaped > 0 {
				t.lggr.Debugw("reaped expired history records", "count", reaped)
			}
		case <-t.chStop:
			return
		}
	}
}

// newTxID generates a stable id in the original wire format:
// tx_<unix>_<12 hex chars>.
func newTxID(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("tx_%d_%s", now.Unix(), hex.EncodeToString(id[:6]))
}
