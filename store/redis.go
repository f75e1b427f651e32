// Package store persists transaction and nonce records to Redis in the
// flat key-value layout the rest of the platform reads: tx:<tx_id>,
// tx:hash:<hash> and nonce:<chain_id>:<address>. Lifecycle events go out
// on the tx_events pub/sub channel.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaykit/txmgr/txm"
)

const (
	txKeyPrefix     = "tx:"
	txHashKeyPrefix = "tx:hash:"
	nonceKeyPrefix  = "nonce:"
	failedKeyPrefix = "failed:"
	eventsChannel   = "tx_events"

	// Nonce mirrors are advisory; chain truth re-seeds them, so they can
	// expire aggressively.
	nonceTTL = time.Hour
)

// Redis implements txm.RecordStore and txm.EventPublisher.
type Redis struct {
	lggr   *zap.SugaredLogger
	client *redis.Client
}

var (
	_ txm.RecordStore    = (*Redis)(nil)
	_ txm.EventPublisher = (*Redis)(nil)
)

func NewRedis(lggr *zap.SugaredLogger, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	return &Redis{
		lggr:   lggr.Named("RedisStore"),
		client: redis.NewClient(opts),
	}, nil
}

// Ping verifies connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) PutTransaction(ctx context.Context, rec *txm.TxRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode transaction record")
	}
	if err := r.client.Set(ctx, txKeyPrefix+rec.ID, payload, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to store transaction record")
	}
	if rec.Hash != (common.Hash{}) {
		if err := r.client.Set(ctx, txHashKeyPrefix+rec.Hash.Hex(), rec.ID, ttl).Err(); err != nil {
			return errors.Wrap(err, "failed to store transaction hash index")
		}
	}
	return nil
}

func (r *Redis) GetTransaction(ctx context.Context, txID string) (*txm.TxRecord, error) {
	payload, err := r.client.Get(ctx, txKeyPrefix+txID).Bytes()
	if err == redis.Nil {
		return nil, txm.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read transaction record")
	}
	var rec txm.TxRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, errors.Wrap(err, "corrupt transaction record")
	}
	return &rec, nil
}

func (r *Redis) GetTransactionByHash(ctx context.Context, hash common.Hash) (*txm.TxRecord, error) {
	txID, err := r.client.Get(ctx, txHashKeyPrefix+hash.Hex()).Result()
	if err == redis.Nil {
		return nil, txm.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read transaction hash index")
	}
	return r.GetTransaction(ctx, txID)
}

func (r *Redis) PendingTransactions(ctx context.Context) ([]*txm.TxRecord, error) {
	var pending []*txm.TxRecord
	iter := r.client.Scan(ctx, 0, txKeyPrefix+"tx_*", 100).Iterator()
	for iter.Next(ctx) {
		payload, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, errors.Wrap(err, "failed to read transaction record")
		}
		var rec txm.TxRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			r.lggr.Errorw("skipping corrupt transaction record", "key", iter.Val(), "error", err)
			continue
		}
		if rec.Status == txm.StatusSubmitted {
			pending = append(pending, &rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan transaction records")
	}
	return pending, nil
}

func (r *Redis) PutFailedSubmission(ctx context.Context, failed *txm.FailedSubmission, ttl time.Duration) error {
	payload, err := json.Marshal(failed)
	if err != nil {
		return errors.Wrap(err, "failed to encode failed submission")
	}
	return errors.Wrap(
		r.client.Set(ctx, failedKeyPrefix+failed.TxID, payload, ttl).Err(),
		"failed to store failed submission")
}

func (r *Redis) PutNonce(ctx context.Context, chainID uint64, addr common.Address, snap txm.NonceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "failed to encode nonce record")
	}
	key := fmt.Sprintf("%s%s", nonceKeyPrefix, txm.AccountKey{ChainID: chainID, Address: addr}.String())
	return errors.Wrap(r.client.Set(ctx, key, payload, nonceTTL).Err(), "failed to store nonce record")
}

// Publish sends a lifecycle event on the tx_events channel. Fire and
// forget: a publish failure is logged and dropped.
func (r *Redis) Publish(ctx context.Context, ev txm.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.lggr.Errorw("could not encode event", "event", ev.Type, "txId", ev.TxID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		r.lggr.Errorw("could not publish event", "event", ev.Type, "txId", ev.TxID, "error", err)
	}
}
