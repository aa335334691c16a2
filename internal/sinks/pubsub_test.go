package sinks

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "progress")
	require.NoError(t, err)
	return srv, topic
}

func TestPubSubSinkPublishesRecords(t *testing.T) {
	srv, topic := newTestTopic(t)
	sink := NewPubSubSink(topic)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	pub, err := messaging.NewProgressPublisher("import")
	require.NoError(t, err)
	_, err = pub.Subscribe(sink)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pub.Initialise(ctx, 10, true))
	require.NoError(t, pub.TickBy(ctx, 8))
	require.NoError(t, pub.PublishError(ctx, errBoom))

	msgs := srv.Messages()
	require.Len(t, msgs, 3)

	var rec Record
	require.NoError(t, json.Unmarshal(msgs[1].Data, &rec))
	require.Equal(t, "import", rec.Publisher)
	require.Equal(t, "publish", rec.Type)
	require.Equal(t, uint64(8), rec.Current)
	require.Equal(t, uint64(10), rec.Total)
	require.InDelta(t, 0.8, rec.Fraction, 1e-9)
	require.Equal(t, "import", msgs[1].Attributes["publisher"])
	require.Equal(t, "publish", msgs[1].Attributes["event_type"])

	require.NoError(t, json.Unmarshal(msgs[2].Data, &rec))
	require.Equal(t, "error", rec.Type)
	require.Equal(t, "boom", rec.Error)
}

func TestPubSubSinkInjectsTraceContext(t *testing.T) {
	srv, topic := newTestTopic(t)
	sink := NewPubSubSink(topic)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	require.NoError(t, sink.Receive(ctx, progressEvent(newTestSource("traced"), 1, 2)))
	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msgs[0].Attributes["traceparent"])
}

func TestPubSubSinkWithoutTopic(t *testing.T) {
	t.Parallel()

	sink := NewPubSubSink(nil)
	require.Equal(t, "pubsub", sink.ID())
	require.Error(t, sink.Receive(context.Background(), progressEvent(newTestSource("x"), 1, 1)))
	require.NoError(t, sink.Close(context.Background()))
}
