package alert

import (
	"testing"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFeedFanOut(t *testing.T) {
	f := NewFeed(zaptest.NewLogger(t))
	a, cancelA := f.Subscribe(4)
	b, cancelB := f.Subscribe(4)
	defer cancelB()

	f.Publish(model.AlertRecord{ID: "x"})
	assert.Equal(t, "x", (<-a).ID)
	assert.Equal(t, "x", (<-b).ID)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	f.Publish(model.AlertRecord{ID: "y"})
	assert.Equal(t, "y", (<-b).ID)
}

func TestFeedSlowSubscriberDoesNotBlock(t *testing.T) {
	f := NewFeed(nil)
	ch, cancel := f.Subscribe(1)
	defer cancel()

	f.Publish(model.AlertRecord{ID: "1"})
	f.Publish(model.AlertRecord{ID: "2"})
	f.Publish(model.AlertRecord{ID: "3"})

	assert.Equal(t, uint64(2), f.Dropped())
	require.Len(t, ch, 1)
	assert.Equal(t, "1", (<-ch).ID)
}

func TestFeedClose(t *testing.T) {
	f := NewFeed(nil)
	ch, cancel := f.Subscribe(1)
	f.Close()
	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := f.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	f.Publish(model.AlertRecord{ID: "z"})
}
