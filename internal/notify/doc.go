// Package notify forwards a small set of scheduler events to an operator
// chat. Delivery is asynchronous: a bounded queue, one worker, a per-minute
// rate limit, retries with backoff and a short dedup window for identical
// messages. Notifications are best-effort and never block the control loop.
package notify
