package http

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// CredentialCoordinator makes sure that, however many requests fail with 401
// at once, the auth callback runs once and everyone else waits for it and
// reuses the result.
type CredentialCoordinator struct {
	callback fhir.AuthCallback

	// sem is a one-slot semaphore. A send acquires it, a receive releases it.
	sem chan struct{}

	// busy mirrors sem for String, which must not touch the semaphore.
	busy atomic.Bool
}

// NewCredentialCoordinator creates a coordinator. callback may be nil, in
// which case a 401 is returned to the caller unchanged.
func NewCredentialCoordinator(callback fhir.AuthCallback) *CredentialCoordinator {
	return &CredentialCoordinator{
		callback: callback,
		sem:      make(chan struct{}, 1),
	}
}

// Configured reports whether a callback is set.
func (c *CredentialCoordinator) Configured() bool {
	return c.callback != nil
}

func (c *CredentialCoordinator) tryAcquire() bool {
	select {
	case c.sem <- struct{}{}:
		c.busy.Store(true)

		return true
	default:
		return false
	}
}

func (c *CredentialCoordinator) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		c.busy.Store(true)

		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for credential refresh: %w", ctx.Err())
	}
}

func (c *CredentialCoordinator) release() {
	c.busy.Store(false)
	<-c.sem
}

// Refresh is called after a request sent with auth generation sentGeneration
// came back 401. It reports whether the request should be sent again.
//
// The caller that wins the semaphore invokes the callback and stores the new
// Authorization in store, unless the generation has already moved past
// sentGeneration, meaning a refresh completed after this request was sent.
// Callers that find the semaphore held wait for the refresh to finish and
// then retry with whatever credential it produced.
func (c *CredentialCoordinator) Refresh(ctx context.Context, httpClient *http.Client, store *SettingsStore, sentGeneration uint64) (bool, error) {
	if c.callback == nil {
		return false, nil
	}

	if !c.tryAcquire() {
		err := c.acquire(ctx)
		if err != nil {
			return false, err
		}

		c.release()

		return true, nil
	}
	defer c.release()

	if _, generation := store.Snapshot(); generation != sentGeneration {
		return true, nil
	}

	value, err := c.callback.Authenticate(ctx, httpClient)
	if err != nil {
		return false, &fhir.AuthCallbackError{Err: err}
	}

	store.SetAuthorization(value)

	return true, nil
}

// String describes the coordinator without blocking and without revealing
// any credential.
func (c *CredentialCoordinator) String() string {
	if c.callback == nil {
		return "AuthCallback(none)"
	}

	if c.busy.Load() {
		return "AuthCallback(<in use>)"
	}

	return "AuthCallback(<configured>)"
}
