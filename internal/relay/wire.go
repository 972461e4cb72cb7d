package relay

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// AgentKind is the fixed replaceable kind used for all agent traffic.
const AgentKind = 30078

// MaxContentBytes bounds outgoing content size.
const MaxContentBytes = 8 * 1024

// BuildEvent constructs and signs a kind-30078 event carrying content
// tagged with topic.
func BuildEvent(topic, content, skHex string) (nostr.Event, error) {
	if len(content) > MaxContentBytes {
		return nostr.Event{}, fmt.Errorf("relay: content exceeds %d bytes", MaxContentBytes)
	}
	evt := nostr.Event{
		Kind:      AgentKind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"d", topic}},
		Content:   content,
	}
	if err := evt.Sign(skHex); err != nil {
		return evt, fmt.Errorf("relay: sign event: %w", err)
	}
	return evt, nil
}

// TopicFilter builds the subscription filter for one topic: {kinds:[30078],
// "#d":[topic], since: now-sinceSecondsAgo}.
func TopicFilter(topic string, sinceSecondsAgo int64) nostr.Filter {
	return TopicsFilter([]string{topic}, sinceSecondsAgo)
}

// TopicsFilter builds a subscription filter matching any of topics
//: {kinds:[30078], "#d":[topics...], since: now-sinceSecondsAgo}.
// A session carries exactly one filter at a time, so every topic the
// agent cares about (its own pubkey plus every joined group) must be
// folded into a single call.
func TopicsFilter(topics []string, sinceSecondsAgo int64) nostr.Filter {
	since := nostr.Now() - nostr.Timestamp(sinceSecondsAgo)
	return nostr.Filter{
		Kinds: []int{AgentKind},
		Tags:  nostr.TagMap{"d": topics},
		Since: &since,
	}
}

// EventTopic returns the value of an event's "d" tag, or "" if absent.
func EventTopic(evt nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}
