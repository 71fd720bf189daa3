package livesync

import "time"

// Options tunes a Synchronizer.
type Options struct {
	RequestTimeout      time.Duration // bound on each Store request
	ResubscribeInterval time.Duration // initial wait between feed resubscriptions (doubles)
	ResubscribeMaxWait  time.Duration // cap on the wait between resubscriptions
	MaxResubscribes     int           // consecutive failures before snapshot-only mode
	ReconcileOnDelete   bool          // re-fetch after a successful delete
	MaxNotices          int           // oldest notices are dropped beyond this
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:      10 * time.Second,
		ResubscribeInterval: time.Second,
		ResubscribeMaxWait:  30 * time.Second,
		MaxResubscribes:     5,
		ReconcileOnDelete:   true,
		MaxNotices:          20,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.ResubscribeInterval <= 0 {
		o.ResubscribeInterval = def.ResubscribeInterval
	}
	if o.ResubscribeMaxWait < o.ResubscribeInterval {
		o.ResubscribeMaxWait = o.ResubscribeInterval
	}
	if o.MaxResubscribes < 0 {
		o.MaxResubscribes = 0
	}
	if o.MaxNotices <= 0 {
		o.MaxNotices = def.MaxNotices
	}
	return o
}
