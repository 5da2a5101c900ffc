package feed

import "encoding/json"

// TopicEngine carries committed engine events; Type is the event name.
const TopicEngine = "engine"

type Subscription struct {
	Topic string `json:"topic"`
	// Type narrows the subscription to one event name; empty means all.
	Type string `json:"type,omitempty"`
}

type subscribeRequest struct {
	Action        string         `json:"action"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Message is the live feed envelope. Payload is kept raw so clients decode
// it by topic and type.
type Message struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func matches(subs []Subscription, topic, typ string) bool {
	if len(subs) == 0 {
		return true
	}
	for _, s := range subs {
		if s.Topic != topic {
			continue
		}
		if s.Type == "" || s.Type == typ {
			return true
		}
	}
	return false
}
