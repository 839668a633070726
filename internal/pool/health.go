package pool

import (
	"context"
	"errors"
	"time"
)

// CheckHealth leases and returns one connection.
func CheckHealth(ctx context.Context, p *Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	if !lease.Conn().Healthy() {
		return errors.New("leased connection is unhealthy")
	}
	return nil
}
