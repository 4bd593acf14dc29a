// Package remote provides connection retry logic for the remote document database.
package remote

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/pg_couchsync/internal/retry"
)

// NewClientWithRetry creates a new remote client and probes the database root
// with retry logic until the remote store answers
func NewClientWithRetry(ctx context.Context, baseURL, secret string) (*Client, error) {
	config := retry.RemoteDefaults()

	client, err := NewClient(baseURL, secret)
	if err != nil {
		return nil, err
	}

	err = retry.WithOperation(ctx, config, func() error {
		_, probeErr := client.Get(ctx, "", nil)
		return probeErr
	}, "remote connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish remote connection after all retries")
		return nil, err
	}

	logrus.WithField("url", client.baseURL).Info("Connected to remote document store successfully")
	return client, nil
}

// RetryRemoteOperation retries a remote operation with exponential backoff
func RetryRemoteOperation(ctx context.Context, operation func() error, operationName string) error {
	config := retry.RemoteDefaults()
	return retry.WithOperation(ctx, config, operation, operationName)
}
