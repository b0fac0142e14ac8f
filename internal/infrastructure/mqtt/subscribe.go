package mqtt

import "fmt"

// Subscribe registers handler for a topic filter, which may contain + and
// # wildcards. The subscription is restored after a reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if err := await(c.paho.Subscribe(topic, qos, c.wrapHandler(handler)), opTimeout, ErrSubscribeFailed); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

// SubscribeCommands subscribes to every inbound command topic and calls
// fn with the command name.
func (c *Client) SubscribeCommands(qos byte, fn func(name string, payload []byte) error) error {
	if fn == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	return c.Subscribe(Topics{}.AllCommands(), qos, commandRouter(fn))
}

func commandRouter(fn func(name string, payload []byte) error) MessageHandler {
	return func(topic string, payload []byte) error {
		name, ok := Topics{}.CommandName(topic)
		if !ok {
			return fmt.Errorf("not a command topic: %s", topic)
		}
		return fn(name, payload)
	}
}

// SubscriptionCount returns the number of tracked topic filters.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// HasSubscription reports whether the exact topic filter is tracked.
func (c *Client) HasSubscription(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[topic]
	return ok
}
