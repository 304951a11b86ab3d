package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// wait blocks for a paho token with the operation timeout and wraps any
// failure in kind.
func wait(token pahomqtt.Token, kind error) error {
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: timeout after %v", kind, defaultOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

// Publish sends a message and waits for the broker acknowledgment
// required by qos.
//
// Use retained for state topics so new subscribers see the current value.
// Never retain commands or events.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	case !c.IsConnected():
		return ErrNotConnected
	}
	return wait(c.paho.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// Subscribe registers a handler for messages on a topic filter, which may
// contain the + and # wildcards. The subscription is tracked and restored
// after every reconnect. Subscribing the same filter again replaces its
// handler.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.mu.Lock()
	c.filters[topic] = filter{qos: qos, handler: handler}
	c.mu.Unlock()

	if err := wait(c.paho.Subscribe(topic, qos, c.guard(handler)), ErrSubscribeFailed); err != nil {
		c.mu.Lock()
		delete(c.filters, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe removes a tracked subscription. Messages already in flight
// may still be delivered.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	delete(c.filters, topic)
	c.mu.Unlock()

	return wait(c.paho.Unsubscribe(topic), ErrUnsubscribeFailed)
}

// SubscriptionCount returns the number of tracked filters.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// HasSubscription reports whether the exact filter is tracked.
func (c *Client) HasSubscription(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.filters[topic]
	return ok
}
