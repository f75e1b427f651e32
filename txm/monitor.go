package txm

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// monitor polls for a receipt until the record reaches a terminal state or
// its deadline passes. It is the only writer to the record while active;
// it exits on service shutdown and is re-spawned from the durable store on
// the next start.
func (t *Txm) monitor(rec *TxRecord) {
	defer t.done.Done()
	ctx, cancel := t.stopCtx()
	defer cancel()

	lggr := t.lggr.Named("Monitor").With("txId", rec.ID, "txHash", rec.Hash.Hex(), "chain", rec.ChainName)
	lggr.Debugw("monitoring transaction", "timeoutAt", rec.TimeoutAt)

	ticker := time.NewTicker(t.cfg.ConfirmPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lggr.Debugw("monitor stopped before terminal state")
			return
		case <-ticker.C:
		}

		if t.now().After(rec.TimeoutAt) {
			t.finalizeTimeout(ctx, rec)
			return
		}

		provider, err := t.resolver.Provider(ctx, rec.ChainID)
		if err != nil {
			lggr.Errorw("provider unavailable, will retry", "error", err)
			continue
		}
		receipt, err := provider.TransactionReceipt(ctx, rec.Hash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				lggr.Warnw("receipt poll failed, will retry", "error", err)
			}
			continue
		}
		if receipt == nil {
			continue
		}

		if receipt.Status == types.ReceiptStatusSuccessful {
			t.finalizeConfirmed(ctx, rec, receipt)
		} else {
			t.finalizeReverted(ctx, rec, receipt)
		}
		return
	}
}

func (t *Txm) finalizeConfirmed(ctx context.Context, rec *TxRecord, receipt *types.Receipt) {
	now := t.now()
	latency := now.Sub(rec.SubmittedAt)

	// The mutation runs inside Finalize so control-plane reads never see a
	// half-written record.
	mutate := func(r *TxRecord) {
		r.Status = StatusConfirmed
		r.ConfirmedAt = &now
		if receipt.BlockNumber != nil {
			block := receipt.BlockNumber.Uint64()
			r.BlockNumber = &block
		}
		r.GasUsed = receipt.GasUsed
		r.EffectiveGasPrice = bigToHex(receipt.EffectiveGasPrice)
		r.Latency = latency
	}

	t.metrics.RecordConfirmed(rec.ChainID, latency)
	// A confirmed nonce means everything at or below it is settled.
	t.ledger.RaiseConfirmed(rec.ChainID, rec.From, rec.Nonce+1)

	if err := t.store.Finalize(rec.ID, now, mutate); err != nil {
		t.lggr.Errorw("could not retire confirmed transaction", "txId", rec.ID, "error", err)
		mutate(rec)
	}
	t.persistRecord(ctx, rec)
	t.publish(ctx, EventConfirmed, rec)

	t.lggr.Infow("transaction confirmed",
		"txId", rec.ID, "txHash", rec.Hash.Hex(), "chain", rec.ChainName,
		"blockNumber", rec.BlockNumber, "latency", latency)
}

func (t *Txm) finalizeReverted(ctx context.Context, rec *TxRecord, receipt *types.Receipt) {
	now := t.now()

	mutate := func(r *TxRecord) {
		r.Status = StatusFailed
		r.FailedAt = &now
		if receipt.BlockNumber != nil {
			block := receipt.BlockNumber.Uint64()
			r.BlockNumber = &block
		}
		r.GasUsed = receipt.GasUsed
		r.Error = "transaction reverted"
	}

	// The nonce was consumed on-chain even though the call reverted, so it
	// is never released here.
	t.metrics.RecordFailed(rec.ChainID)

	if err := t.store.Finalize(rec.ID, now, mutate); err != nil {
		t.lggr.Errorw("could not retire reverted transaction", "txId", rec.ID, "error", err)
		mutate(rec)
	}
	t.persistRecord(ctx, rec)
	t.publish(ctx, EventFailed, rec)

	t.lggr.Errorw("transaction reverted",
		"txId", rec.ID, "txHash", rec.Hash.Hex(), "chain", rec.ChainName, "blockNumber", rec.BlockNumber)
}

// finalizeTimeout marks a record unresolved-by-deadline. This is distinct
// from Failed: the transaction may still land later, it just stopped being
// watched. The nonce is not released.
func (t *Txm) finalizeTimeout(ctx context.Context, rec *TxRecord) {
	now := t.now()

	mutate := func(r *TxRecord) {
		r.Status = StatusTimeout
		r.TimedOutAt = &now
	}

	t.metrics.RecordTimedOut(rec.ChainID)

	if err := t.store.Finalize(rec.ID, now, mutate); err != nil {
		t.lggr.Errorw("could not retire timed out transaction", "txId", rec.ID, "error", err)
		mutate(rec)
	}
	t.persistRecord(ctx, rec)
	t.publish(ctx, EventTimeout, rec)

	t.lggr.Warnw("transaction unresolved by deadline",
		"txId", rec.ID, "txHash", rec.Hash.Hex(), "chain", rec.ChainName, "timeoutAt", rec.TimeoutAt)
}
