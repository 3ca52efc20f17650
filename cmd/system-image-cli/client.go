package main

import (
	"context"
	"net/http"

	"github.com/lxc/system-imaged/internal/rest"
)

// client wraps rest.Client to translate a 409 (another operation already
// in flight) into the CLI's distinct exit code.
type client struct {
	inner *rest.Client
}

func newClient(socketPath string) *client {
	return &client{inner: rest.NewClient(socketPath)}
}

func (c *client) Do(ctx context.Context, method, path string, body any) (*rest.Envelope, error) {
	env, err := c.inner.Do(ctx, method, path, body)
	if err != nil && env != nil && env.StatusCode == http.StatusConflict {
		return env, &exitCodeError{code: 2, err: err}
	}

	return env, err
}
