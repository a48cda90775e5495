package contextstore

import (
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Settings selects and configures the query context store.
type Settings struct {
	Backend         string `glazed:"store-backend"`
	DSN             string `glazed:"store-dsn"`
	Prefix          string `glazed:"store-prefix"`
	RedisTTLSeconds int    `glazed:"store-redis-ttl"`
}

// NewParameterLayer returns the "store" section definition.
func NewParameterLayer() (schema.Section, error) {
	return schema.NewSection(
		"store",
		"Query context persistence",
		schema.WithFields(
			fields.New("store-backend", fields.TypeChoice,
				fields.WithChoices(BackendMemory, BackendSQLite, BackendBolt, BackendRedis),
				fields.WithDefault(BackendMemory),
				fields.WithHelp("Where query contexts are persisted")),
			fields.New("store-dsn", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("sqlite/bolt file path or redis host:port")),
			fields.New("store-prefix", fields.TypeString,
				fields.WithDefault(DefaultPrefix),
				fields.WithHelp("Key namespace prefix")),
			fields.New("store-redis-ttl", fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Expire redis keys after this many seconds (0 = never)")),
		),
	)
}

// Open builds the store described by s.
func Open(s Settings) (Store, error) {
	switch strings.TrimSpace(s.Backend) {
	case "", BackendMemory:
		return NewInMemoryStore(), nil
	case BackendSQLite:
		dsn := s.DSN
		if !strings.HasPrefix(dsn, "file:") {
			var err error
			dsn, err = SQLiteDSNForFile(dsn)
			if err != nil {
				return nil, err
			}
		}
		return NewSQLiteStore(dsn)
	case BackendBolt:
		return NewBoltStore(s.DSN)
	case BackendRedis:
		return NewRedisStore(s.DSN, time.Duration(s.RedisTTLSeconds)*time.Second)
	}
	return nil, errors.Errorf("unknown store backend %q", s.Backend)
}
