package bridge

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agrolink/relay/internal/mqttbroker"
)

func TestRun_RelaysFromBroker(t *testing.T) {
	broker := mqttbroker.New(zap.NewNop())
	_, err := broker.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Stop() })
	url := "tcp://" + broker.Addr().String()

	fwd := &recordingForwarder{}
	b := New(Options{Broker: url, TopicPrefix: "dht22/datos"}, NewMemoryCache(), fwd, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.State() == Subscribed }, 5*time.Second, 10*time.Millisecond)

	node := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(url).SetClientID("node-n7"))
	token := node.Connect()
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())
	defer node.Disconnect(50)

	node.Publish("dht22/datos/n7", 0, false, []byte(`{"temperatura":24.5}`)).Wait()
	node.Publish("dht22/datos/n7", 0, false, []byte(`Temp:24.60C Hum:51.00%`)).Wait()
	node.Publish("otro/topico/n7", 0, false, []byte(`{"temperatura":1}`)).Wait()

	require.Eventually(t, func() bool { return len(fwd.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	records := fwd.all()
	assert.Equal(t, "n7", records[0]["nodeId"])
	assert.Equal(t, 24.5, records[0]["temperature"])
	assert.Equal(t, 24.6, records[1]["temperature"])
	assert.Equal(t, 51.0, records[1]["humidity"])
	assert.Equal(t, Relaying, b.State())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
	assert.Equal(t, Disconnected, b.State())
}
