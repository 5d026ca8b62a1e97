package mqttrequest

import (
	"strings"

	"github.com/vitalvas/mqttv5"
)

const (
	requestMarker  = "@request"
	responseMarker = "@response"

	topicSeparator = "/"
	multiLevel     = "#"
)

// joinTopic appends segments to base, treating a trailing separator on
// base the same as none.
func joinTopic(base string, segments ...string) string {
	var b strings.Builder
	b.Grow(len(base) + 48)
	b.WriteString(base)
	if !strings.HasSuffix(base, topicSeparator) {
		b.WriteString(topicSeparator)
	}
	for i, s := range segments {
		if i > 0 {
			b.WriteString(topicSeparator)
		}
		b.WriteString(s)
	}
	return b.String()
}

// RequestTopic returns the topic a request with the given id is published to:
// <base>/@request/<id>.
func RequestTopic(base, id string) string {
	return joinTopic(base, requestMarker, id)
}

// ResponseTopic returns the topic a response for the given id is published to:
// <base>/@response/<id>.
func ResponseTopic(base, id string) string {
	return joinTopic(base, responseMarker, id)
}

// RequestFilter returns the filter a responder subscribes to: <base>/@request/#.
func RequestFilter(base string) string {
	return joinTopic(base, requestMarker, multiLevel)
}

// ResponseFilter returns the filter a requester subscribes to: <base>/@response/#.
func ResponseFilter(base string) string {
	return joinTopic(base, responseMarker, multiLevel)
}

// NormalizeSharedSubscription strips a $share/<group>/ prefix from topic.
// Topics that are not shared subscriptions are returned unchanged.
// MQTT v5.0 spec: Section 4.8.2
func NormalizeSharedSubscription(topic string) string {
	shared, err := mqttv5.ParseSharedSubscription(topic)
	if err != nil || shared == nil {
		return topic
	}
	return shared.TopicFilter
}

// responderKey is the registry key for a responder topic.
func responderKey(topic string) string {
	key := NormalizeSharedSubscription(topic)
	if len(key) > 1 {
		key = strings.TrimSuffix(key, topicSeparator)
	}
	return key
}

// ParseRequestTopic splits a request topic into its base topic and
// correlation id. The base is everything before "/@request" and the id
// everything after "@request/".
func ParseRequestTopic(topic string) (base, id string, ok bool) {
	idx := strings.Index(topic, requestMarker)
	if idx < 0 {
		return "", "", false
	}

	if idx > 0 {
		base = topic[:idx-1]
	}

	if start := idx + len(requestMarker) + 1; start < len(topic) {
		id = topic[start:]
	}

	return base, id, true
}

// ParseResponseTopic returns the correlation id of a response topic,
// which is its last level.
func ParseResponseTopic(topic string) (id string, ok bool) {
	if !strings.Contains(topic, responseMarker) {
		return "", false
	}
	return topic[strings.LastIndex(topic, topicSeparator)+1:], true
}

// ValidateBaseTopic checks that topic can be used as a base topic.
// A base must be non-empty and must not contain the @request or
// @response markers, otherwise correlation is undefined.
func ValidateBaseTopic(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if strings.Contains(topic, requestMarker) || strings.Contains(topic, responseMarker) {
		return ErrReservedSegment
	}
	return nil
}
