package config

import "time"

// Options collects the tunables every component in the core reads from.
// Constructed once at process startup and passed down by value or
// pointer to the session registry, discovery service, schema service,
// watch workers, and aggregation engine.
type Options struct {
	// ConnectTimeout bounds a single Session.Connect call.
	ConnectTimeout time.Duration
	// DiscoveryTimeout bounds a single discovery request.
	DiscoveryTimeout time.Duration
	// SchemaTimeout bounds a single schema request.
	SchemaTimeout time.Duration

	// BackoffBase is the initial reconnect delay.
	BackoffBase time.Duration
	// BackoffFactor multiplies the delay on each consecutive failure.
	BackoffFactor float64
	// BackoffCap is the maximum reconnect delay.
	BackoffCap time.Duration
	// BackoffJitter is the +/- fraction of randomness applied to each delay.
	BackoffJitter float64

	// ConnectParallelism bounds concurrent Connect attempts in ConnectMany.
	ConnectParallelism int

	// DiscoveryTTL is how long a session's GVK list is cached.
	DiscoveryTTL time.Duration

	// WatchTimeoutMin/Max bound the randomized server-side watch timeout.
	WatchTimeoutMin time.Duration
	WatchTimeoutMax time.Duration

	// IgnoredFields lists dotted field paths whose subtree is not
	// tracked structurally by the schema service (rendered but not
	// expandable/selectable). A user-facing configuration point per
	// spec.md's Open Question on ignored-field policy.
	IgnoredFields []string
}

// Option mutates an Options value being built by Default.
type Option func(*Options)

// Default returns the tunables spec.md names explicitly.
func Default(opts ...Option) Options {
	o := Options{
		ConnectTimeout:     10 * time.Second,
		DiscoveryTimeout:   15 * time.Second,
		SchemaTimeout:      30 * time.Second,
		BackoffBase:        500 * time.Millisecond,
		BackoffFactor:      2,
		BackoffCap:         30 * time.Second,
		BackoffJitter:      0.2,
		ConnectParallelism: 8,
		DiscoveryTTL:       5 * time.Minute,
		WatchTimeoutMin:    5 * time.Minute,
		WatchTimeoutMax:    10 * time.Minute,
		IgnoredFields: []string{
			"metadata.managedFields",
			"metadata.labels",
			"metadata.annotations",
		},
	}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// WithConnectTimeout overrides the per-context connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

// WithDiscoveryTTL overrides how long discovery results are cached.
func WithDiscoveryTTL(d time.Duration) Option {
	return func(o *Options) { o.DiscoveryTTL = d }
}

// WithConnectParallelism overrides the ConnectMany concurrency bound.
func WithConnectParallelism(n int) Option {
	return func(o *Options) { o.ConnectParallelism = n }
}

// WithIgnoredFields overrides the schema service's ignored-field list.
func WithIgnoredFields(paths ...string) Option {
	return func(o *Options) { o.IgnoredFields = paths }
}

// WithBackoff overrides the reconnect backoff schedule.
func WithBackoff(base time.Duration, factor float64, cap time.Duration, jitter float64) Option {
	return func(o *Options) {
		o.BackoffBase = base
		o.BackoffFactor = factor
		o.BackoffCap = cap
		o.BackoffJitter = jitter
	}
}

// WithWatchTimeout overrides the randomized server-side watch timeout
// range a Watch Worker requests on each list/watch cycle.
func WithWatchTimeout(min, max time.Duration) Option {
	return func(o *Options) {
		o.WatchTimeoutMin = min
		o.WatchTimeoutMax = max
	}
}
