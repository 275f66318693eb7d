package broker

import (
	"context"
)

// Message is one consumed record: the JSON body of a pipeline message plus
// the key it was partitioned by.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Producer publishes a JSON-marshaled value keyed for partitioning.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg Message) error
