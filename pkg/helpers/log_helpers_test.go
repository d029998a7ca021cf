package helpers

import (
	"context"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	published []*message.Message
}

func (c *capturingPublisher) Publish(_ string, messages ...*message.Message) error {
	c.published = append(c.published, messages...)
	return nil
}

func (c *capturingPublisher) Close() error { return nil }

func TestRequestIDFromContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	generated := RequestIDFromContext(context.Background())
	assert.True(t, strings.HasPrefix(generated, "gen_"))
}

func TestRequestIDPublisherDecorator(t *testing.T) {
	inner := &capturingPublisher{}
	pub := RequestIDPublisherDecorator{Publisher: inner}

	m1 := message.NewMessage(watermill.NewUUID(), []byte("{}"))
	m1.SetContext(ContextWithRequestID(context.Background(), "req-7"))
	m2 := message.NewMessage(watermill.NewUUID(), []byte("{}"))
	m2.Metadata.Set(requestIDMetadataKey, "preset")

	require.NoError(t, pub.Publish("chat", m1, m2))
	require.Len(t, inner.published, 2)
	assert.Equal(t, "req-7", RequestIDFromMessage(inner.published[0]))
	assert.Equal(t, "preset", RequestIDFromMessage(inner.published[1]))
}
