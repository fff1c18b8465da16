package discovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Advertiser announces an endpoint on the local network.
type Advertiser interface {
	// Advertise starts announcing info, replacing any earlier announcement.
	Advertise(ctx context.Context, info *ServiceInfo) error

	// Stop withdraws the announcement. Stopping twice is not an error.
	Stop() error
}

// Browser finds announced endpoints.
type Browser interface {
	// Browse streams endpoints until ctx is done. The channel is closed
	// when browsing ends.
	Browse(ctx context.Context) (<-chan *Service, error)
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		TTL: DefaultTTL,
	}
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface.
	Interface string
}

type announceOptions struct {
	tries   uint
	initial time.Duration
}

// AnnounceOption configures Announce.
type AnnounceOption func(*announceOptions)

// WithRetry makes Announce try Advertise up to tries times, waiting an
// exponentially growing interval starting at initial between attempts.
func WithRetry(tries uint, initial time.Duration) AnnounceOption {
	return func(o *announceOptions) {
		o.tries = tries
		o.initial = initial
	}
}

// Announce advertises info until ctx is done and then withdraws it. It
// returns once the announcement is up; the returned channel is closed after
// the withdrawal.
func Announce(ctx context.Context, adv Advertiser, info *ServiceInfo, opts ...AnnounceOption) (<-chan struct{}, error) {
	o := announceOptions{tries: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	if o.initial > 0 {
		b.InitialInterval = o.initial
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, adv.Advertise(ctx, info)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(o.tries))
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		_ = adv.Stop()
	}()
	return done, nil
}
