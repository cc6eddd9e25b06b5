package queue

// Package queue holds the per-domain check pipeline: a generic strictly
// sequential FIFO and, on top of it, the check queue that owns the
// retry/backoff/requeue policy for one source domain.
