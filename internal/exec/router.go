package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tier-exit-bot/internal/exits"
	"tier-exit-bot/internal/state"

	"go.uber.org/zap"
)

// OrderSubmitter is the external broker-integration layer that turns an
// exit action into a real order. It returns the broker's order id.
type OrderSubmitter interface {
	Submit(ctx context.Context, action exits.Action) (string, error)
}

// Router dispatches exit actions with bounded retry and store-backed
// idempotency keyed on the action ID, so a crash between submit and
// persist cannot double-close a position.
type Router struct {
	submitter OrderSubmitter
	store     state.Store
	log       *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(submitter OrderSubmitter, store state.Store, log *zap.Logger) *Router {
	return &Router{
		submitter: submitter,
		store:     store,
		log:       log,
		cache:     make(map[string]string),
	}
}

func (r *Router) Dispatch(ctx context.Context, action exits.Action) (string, error) {
	if action.ID == "" {
		return r.submitWithRetry(ctx, action)
	}
	cacheKey := "action:" + action.ID
	r.mu.Lock()
	if orderID, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return orderID, nil
	}
	r.mu.Unlock()
	if r.store != nil {
		if orderID, ok, err := r.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			r.mu.Lock()
			r.cache[cacheKey] = orderID
			r.mu.Unlock()
			return orderID, nil
		}
	}
	orderID, err := r.submitWithRetry(ctx, action)
	if err != nil {
		return "", err
	}
	if r.store != nil {
		if err := r.store.Set(ctx, cacheKey, orderID); err != nil && r.log != nil {
			r.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	r.mu.Lock()
	r.cache[cacheKey] = orderID
	r.mu.Unlock()
	return orderID, nil
}

func (r *Router) submitWithRetry(ctx context.Context, action exits.Action) (string, error) {
	var orderID string
	err := r.retry(ctx, func() error {
		var err error
		orderID, err = r.submitter.Submit(ctx, action)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

func (r *Router) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err := fn(); err != nil {
			if attempt == 4 {
				return fmt.Errorf("retry failed: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return nil
}
