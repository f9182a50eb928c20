package mqtt

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	topic    string
	payloads []string
}

func (ch *captureHandler) MqttSubscribeTopic() string {
	return ch.topic
}

func (ch *captureHandler) MqttHandle(topic string, payload []byte) {
	ch.payloads = append(ch.payloads, string(payload))
}

func TestTopic(t *testing.T) {
	mc, err := NewClient("mqtt://127.0.0.1:1883", "test", "/line1/cell2/")
	require.NoError(t, err)
	assert.Equal(t, "line1/cell2/inputs", mc.Topic("inputs"))
	assert.Equal(t, "line1/cell2/output/set", mc.Topic("output", "set"))

	bare, err := NewClient("mqtt://127.0.0.1:1883", "test", "")
	require.NoError(t, err)
	assert.Equal(t, "inputs", bare.Topic("inputs"))
}

func TestNewClientBadUrl(t *testing.T) {
	_, err := NewClient("://nope", "test", "x")
	assert.Error(t, err)
}

func TestPublishWithoutConnection(t *testing.T) {
	mc, err := NewClient("mqtt://127.0.0.1:1883", "test", "x")
	require.NoError(t, err)
	assert.Error(t, mc.Publish(context.Background(), "x/inputs", []byte("{}")))
	assert.NoError(t, mc.Disconnect(context.Background()))
}

func TestDispatchByTopic(t *testing.T) {
	mc, err := NewClient("mqtt://127.0.0.1:1883", "test", "x")
	require.NoError(t, err)

	h := &captureHandler{topic: "x/output/set"}
	mc.handlers[h.topic] = h

	handled, err := mc.onPublishRecv(paho.PublishReceived{Packet: &paho.Publish{Topic: "x/output/set", Payload: []byte(`{"2":true}`)}})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{`{"2":true}`}, h.payloads)

	handled, _ = mc.onPublishRecv(paho.PublishReceived{Packet: &paho.Publish{Topic: "x/other", Payload: []byte("z")}})
	assert.False(t, handled)
	assert.Len(t, h.payloads, 1)
}

func TestPublishWhileConnecting(t *testing.T) {
	// a port nothing listens on, so the connection never comes up
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	broker := "mqtt://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	mc, err := NewClient(broker, "test", "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pubCtx, pubCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer pubCancel()
			errs <- mc.Publish(pubCtx, mc.Topic("inputs"), []byte("{}"))
		}()
	}

	assert.Error(t, mc.Connect(ctx))
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Error(t, err)
	}

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), time.Second)
	defer disconnectCancel()
	mc.Disconnect(disconnectCtx)
}
