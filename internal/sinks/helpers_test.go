package sinks

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

type testSource struct {
	name string
	id   uuid.UUID
}

func newTestSource(name string) testSource {
	return testSource{name: name, id: uuid.New()}
}

func (s testSource) Name() string  { return s.name }
func (s testSource) ID() uuid.UUID { return s.id }

var baseTime = time.Unix(1700000000, 0).UTC()

func progressEvent(src messaging.Source, current, total uint64) Event {
	return messaging.NewEvent(src, uuid.New(), baseTime.Add(time.Duration(current)*time.Second),
		messaging.ProgressEvent{Current: current, Total: total})
}

func errorEvent(src messaging.Source, err error) Event {
	return messaging.NewErrorEvent[messaging.ProgressEvent](src, uuid.New(), baseTime, err)
}

func closedEvent(src messaging.Source) Event {
	return messaging.NewLifecycleEvent[messaging.ProgressEvent](src, uuid.New(), baseTime, messaging.EventClosed)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

var errBoom = errors.New("boom")
