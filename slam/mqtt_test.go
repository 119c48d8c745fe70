package slam

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestRecorder collects candidate requests delivered by MQTTClient
type requestRecorder struct {
	mu    sync.Mutex
	pairs [][2]KeyframeID
}

func (r *requestRecorder) handle(current, candidate KeyframeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, [2]KeyframeID{current, candidate})
}

func (r *requestRecorder) got() [][2]KeyframeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]KeyframeID{}, r.pairs...)
}

func TestInitMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	client, err := InitMQTT(MQTTConfig{}, func(KeyframeID, KeyframeID) {})
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")

	client.setConnected(true)
	assert.True(t, client.IsConnected(), "Client should be connected after setConnected(true)")

	client.setConnected(false)
	assert.False(t, client.IsConnected(), "Client should not be connected after setConnected(false)")
}

func TestMQTTClient_RequestTopic(t *testing.T) {
	mock := NewMockClient()
	assert.Equal(t, "covimesh/loops/request", NewMQTTClientWith(mock, "", nil).RequestTopic())
	assert.Equal(t, "site-a/loops/request", NewMQTTClientWith(mock, "site-a", nil).RequestTopic())
}

func TestMQTTClient_SubscribeRequiresConnection(t *testing.T) {
	mock := NewMockClient()
	client := NewMQTTClientWith(mock, "test", func(KeyframeID, KeyframeID) {})
	assert.Error(t, client.Subscribe())

	mock.SetConnected(true)
	assert.NoError(t, client.Subscribe())
}

func TestMQTTClient_HandleRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    [][2]KeyframeID
	}{
		{"valid", `{"current": 37, "candidate": 1}`, [][2]KeyframeID{{37, 1}}},
		{"root candidate", `{"current": 5, "candidate": 0}`, [][2]KeyframeID{{5, 0}}},
		{"missing candidate", `{"current": 37}`, nil},
		{"not json", `loop 37 1`, nil},
		{"empty", ``, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &requestRecorder{}
			mock := NewMockClient()
			mock.SetConnected(true)
			client := NewMQTTClientWith(mock, "test", rec.handle)
			require.NoError(t, client.Subscribe())

			mock.SimulateMessage(client.RequestTopic(), []byte(tt.payload))

			if tt.want == nil {
				assert.Empty(t, rec.got())
			} else {
				assert.Equal(t, tt.want, rec.got())
			}
		})
	}
}

func TestMQTTClient_OnConnectSubscribes(t *testing.T) {
	rec := &requestRecorder{}
	mock := NewMockClient()
	client := NewMQTTClientWith(mock, "test", rec.handle)
	mock.SetOnConnectHandler(client.onConnect)

	token := mock.Connect()
	require.NoError(t, token.Error())
	assert.True(t, client.IsConnected())

	mock.SimulateMessage("test/loops/request", []byte(`{"current": 2, "candidate": 0}`))
	assert.Equal(t, [][2]KeyframeID{{2, 0}}, rec.got())

	client.onConnectionLost(mock, errors.New("network down"))
	assert.False(t, client.IsConnected())
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	client := NewMQTTClientWith(mock, "test", nil)
	client.setConnected(true)

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mock.IsConnected())
	assert.Same(t, mock, client.GetClient())
}

func TestMockClient_ConnectError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("refused"))
	token := mock.Connect()
	assert.True(t, token.WaitTimeout(0))
	assert.Error(t, token.Error())
	assert.False(t, mock.IsConnected())
	<-token.Done()
}
