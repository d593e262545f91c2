package outbox

import (
	"errors"
	"fmt"
	"strings"
)

// Topic identifies the payload shape of an outbox message. The set is
// closed; receivers reject anything else.
type Topic string

const (
	TopicTransactionNew    Topic = "transaction:new"
	TopicInventoryUpdate   Topic = "inventory:update"
	TopicInventoryChecksum Topic = "inventory:checksum"
	TopicEmployeeUpsert    Topic = "employee:upsert"
	TopicProductUpsert     Topic = "product:upsert"
	TopicDiscountRule      Topic = "discount_rule:upsert"
	TopicPosConfig         Topic = "pos_config:update"
)

// ErrUnknownTopic is a recoverable protocol error: the receiver replies
// with an error frame and drops the message.
var ErrUnknownTopic = errors.New("unknown topic")

var allTopics = map[Topic]bool{
	TopicTransactionNew:    true,
	TopicInventoryUpdate:   true,
	TopicInventoryChecksum: true,
	TopicEmployeeUpsert:    true,
	TopicProductUpsert:     true,
	TopicDiscountRule:      true,
	TopicPosConfig:         true,
}

// ParseTopic validates a wire topic string.
func ParseTopic(s string) (Topic, error) {
	t := Topic(s)
	if !allTopics[t] {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, s)
	}
	return t, nil
}

// Slug returns the topic's cloud ingest path segment.
func (t Topic) Slug() string {
	return strings.ReplaceAll(string(t), ":", "-")
}

func (t Topic) String() string {
	return string(t)
}
