package core

import (
	"context"

	"github.com/cenkalti/backoff/v5"
)

// retryIO retries a single LDEV/DDEV operation a bounded number of times
// with exponential backoff before the caller gives up and enters the
// device's failure state. Transient EIO-class errors from a flaky backing
// store are the only thing this is meant to ride out — it is not a
// substitute for the permanence gate or any durability guarantee.
func retryIO(op func() error) error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	return err
}
