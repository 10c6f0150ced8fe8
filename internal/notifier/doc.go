// Package notifier delivers matched items to the operator's Telegram chat.
//
// Delivery is synchronous and bounded: each message is paced by a token
// bucket and retried with exponential backoff and jitter. A failed delivery
// is reported, never hidden, so the caller can leave the item pending and
// retry it in a later cycle (at-least-once).
package notifier
