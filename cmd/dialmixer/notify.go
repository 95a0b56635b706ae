package main

import "log/slog"

// notifier fans updates out to one reader through a buffered channel.
// Publish never blocks; when the buffer is full the update is dropped.
type notifier[T any] struct {
	kind    string
	ch      chan T
	metrics *Metrics
	logger  *slog.Logger
}

func newNotifier[T any](kind string, size int, metrics *Metrics, logger *slog.Logger) *notifier[T] {
	if size <= 0 {
		size = defaultStatusBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &notifier[T]{
		kind:    kind,
		ch:      make(chan T, size),
		metrics: metrics,
		logger:  logger,
	}
}

func (n *notifier[T]) Publish(v T) {
	select {
	case n.ch <- v:
	default:
		n.logger.Warn("notification dropped, reader too slow", "kind", n.kind)
		n.metrics.NotificationDropped(n.kind)
	}
}

func (n *notifier[T]) C() <-chan T { return n.ch }
