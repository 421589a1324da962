package memory

import "time"

// Option configures the stores in this package.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
