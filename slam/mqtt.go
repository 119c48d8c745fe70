package slam

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// CandidateHandler is called for every loop candidate request received over MQTT
type CandidateHandler func(current, candidate KeyframeID)

// candidateRequest is the payload of {prefix}/loops/request
type candidateRequest struct {
	Current   *KeyframeID `json:"current"`
	Candidate *KeyframeID `json:"candidate"`
}

// MQTTClient manages the broker connection and the loop request subscription
type MQTTClient struct {
	client      mqtt.Client
	prefix      string
	handler     CandidateHandler
	isConnected bool
	mu          sync.RWMutex
}

// InitMQTT connects to the broker from cfg, with MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME and MQTT_PASSWORD taking precedence. When no broker is
// configured MQTT is disabled and (nil, nil) is returned.
func InitMQTT(cfg MQTTConfig, handler CandidateHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = cfg.Broker
	}
	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = cfg.PublishPrefix
	}
	if prefix == "" {
		prefix = "covimesh"
	}

	c := &MQTTClient{prefix: prefix, handler: handler}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = "covimesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = cfg.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = cfg.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true) // loop requests are verified in arrival order

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Println("[MQTT] reconnecting...")
	})

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

// NewMQTTClientWith wraps an existing client, e.g. a MockClient
func NewMQTTClientWith(client mqtt.Client, prefix string, handler CandidateHandler) *MQTTClient {
	if prefix == "" {
		prefix = "covimesh"
	}
	return &MQTTClient{client: client, prefix: prefix, handler: handler}
}

// RequestTopic is the topic loop candidate requests arrive on
func (c *MQTTClient) RequestTopic() string {
	return fmt.Sprintf("%s/loops/request", c.prefix)
}

// connectWithRetry connects with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Subscribe registers the loop request handler on the request topic
func (c *MQTTClient) Subscribe() error {
	topic := c.RequestTopic()
	token := c.client.Subscribe(topic, 1, c.handleRequest)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	log.Printf("[MQTT] subscribed to %s", topic)
	return nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	if c.handler == nil {
		return
	}
	if err := c.Subscribe(); err != nil {
		log.Printf("[MQTT] %v", err)
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// handleRequest parses {"current": N, "candidate": M}
func (c *MQTTClient) handleRequest(client mqtt.Client, msg mqtt.Message) {
	var req candidateRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		log.Printf("[MQTT] invalid loop request on %s: %v", msg.Topic(), err)
		return
	}
	if req.Current == nil || req.Candidate == nil {
		log.Printf("[MQTT] loop request on %s missing current or candidate", msg.Topic())
		return
	}
	if c.handler != nil {
		c.handler(*req.Current, *req.Candidate)
	}
}

// IsConnected returns true if the client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
