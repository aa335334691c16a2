// Package sinks implements ready-made progress subscribers: structured
// logging, Prometheus gauges, Google Cloud Pub/Sub forwarding, repository
// persistence, blob checkpoints and an in-memory snapshot for the HTTP API.
// Every sink satisfies messaging.Subscriber[messaging.ProgressEvent]; sinks
// that benefit from batching also satisfy BatchSink and can sit behind a
// Batcher.
package sinks
