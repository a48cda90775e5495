package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// Settings holds the Redis Streams transport configuration used by `listen`.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled"`
	Addr     string `glazed:"redis-addr"`
	Group    string `glazed:"redis-group"`
	Consumer string `glazed:"redis-consumer"`
	// FromTail creates the consumer group at "$" so a new viewer does not
	// replay the whole stream history.
	FromTail bool `glazed:"redis-from-tail"`
}

// NewParameterLayer returns the "redis" section definition.
func NewParameterLayer() (schema.Section, error) {
	return schema.NewSection(
		"redis",
		"Redis Streams frame source",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Read frames from Redis Streams instead of a websocket")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault("localhost:6379"),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString,
				fields.WithDefault("chatlens"),
				fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault("viewer-1"),
				fields.WithHelp("Redis consumer name")),
			fields.New("redis-from-tail", fields.TypeBool,
				fields.WithDefault(true),
				fields.WithHelp("Start a new consumer group at the stream tail")),
		),
	)
}
