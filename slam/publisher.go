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

// maxRecentEvents bounds the in-memory loop closure history
const maxRecentEvents = 64

// LoopPublisher publishes accepted loop closures and map statistics to MQTT
type LoopPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	recent        []LoopEvent
	mu            sync.RWMutex
}

// NewLoopPublisher creates a publisher. The prefix falls back to
// MQTT_PUBLISH_PREFIX and then "covimesh". A nil client disables publishing
// but events are still recorded.
func NewLoopPublisher(client mqtt.Client, prefix string) *LoopPublisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "covimesh"
	}

	return &LoopPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,     // loop closures must not be dropped
		retain:        false, // events, not state
	}
}

// PublishLoopClosure records an event and publishes it to {prefix}/loops
func (p *LoopPublisher) PublishLoopClosure(event LoopEvent) error {
	p.mu.Lock()
	p.recent = append(p.recent, event)
	if len(p.recent) > maxRecentEvents {
		p.recent = p.recent[len(p.recent)-maxRecentEvents:]
	}
	p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/loops", p.publishPrefix)
	if err := p.publishJSON(topic, p.qos, p.retain, event); err != nil {
		return err
	}

	log.Printf("[MQTT] published loop %s: %d -> %d (%d inliers)",
		event.ID, event.Current, event.Candidate, event.Inliers)
	return nil
}

// PublishStats publishes map statistics to the retained {prefix}/stats topic
func (p *LoopPublisher) PublishStats(stats MapStats) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	message := map[string]any{
		"stats":     stats,
		"timestamp": time.Now().Unix(),
	}
	return p.publishJSON(fmt.Sprintf("%s/stats", p.publishPrefix), 0, true, message)
}

func (p *LoopPublisher) publishJSON(topic string, qos byte, retain bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// RecentEvents returns a copy of the most recent loop closures, oldest first
func (p *LoopPublisher) RecentEvents() []LoopEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]LoopEvent{}, p.recent...)
}

// Prefix returns the topic prefix
func (p *LoopPublisher) Prefix() string {
	return p.publishPrefix
}

// SetQoS sets the Quality of Service level for loop events (0, 1, or 2)
func (p *LoopPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether loop events should be retained by the broker
func (p *LoopPublisher) SetRetain(retain bool) {
	p.retain = retain
}
