// Package messaging implements a typed, in-process publish/subscribe core.
//
// A Publisher owns a set of subscribers keyed by subscriber ID and dispatches
// PublishEvent envelopes to them according to its ThreadConfiguration:
//
//   - ModeSynchronous delivers on the caller's goroutine in registration order
//     and returns once every subscriber has finished.
//   - ModeFixedPool delivers on a fixed set of worker goroutines.
//   - ModeUnboundedParallel starts a goroutine per subscriber drain.
//
// In every mode each subscriber sees a publisher's events in publish order:
// deliveries are queued per subscriber and at most one drain per subscriber
// runs at a time. Ordering across subscribers is unspecified in the pooled
// modes.
//
// A failing subscriber never prevents delivery to the others. Its error is
// wrapped in a SubscriberDeliveryError and either returned to the caller
// (ErrorPolicyAggregate) or turned into an EventError envelope for
// subscribers that implement ErrorReceiver (ErrorPolicyRedeliver).
//
// ProgressPublisher layers a current/total counter on top of a Publisher of
// ProgressEvent. Counters are not clamped: ticking past Total produces events
// with Current > Total so subscribers can detect over-completion.
//
// SubscriberHook ties a subscriber's lifetime to the publishers it joined.
// Closing the hook unsubscribes it everywhere; a delivery that had already
// entered Receive may still finish (at most one more delivery per
// publisher), while CloseContext additionally waits for such deliveries.
package messaging
