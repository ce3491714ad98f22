package config

import (
	"encoding/json"
	"io/ioutil"
	"time"

	"github.com/viktorenciso/EventCentric/db"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

func Parse(configFile string) (*Config, error) {
	configData, err := ioutil.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	return ParseData(configData)
}

func ParseData(configData []byte) (*Config, error) {
	c := defaultConfig
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
	RoleBoth       Role = "both"
)

func (r Role) Publishes() bool {
	return r == RolePublisher || r == RoleBoth
}

func (r Role) Subscribes() bool {
	return r == RoleSubscriber || r == RoleBoth
}

type Config struct {
	Debug bool `json:"debug"`

	Web        Web        `json:"web"`
	DB         DB         `json:"db"`
	Node       Node       `json:"node"`
	EventStore EventStore `json:"eventStore"`
	Publisher  Publisher  `json:"publisher"`
	Poller     Poller     `json:"poller"`
}

var defaultConfig = Config{
	DB: DB{
		Type: db.Sqlite3,
	},
	Node: Node{
		Role: RoleBoth,
	},
	EventStore: EventStore{
		SnapshotCacheTTL:  Duration(30 * time.Minute),
		SnapshotCacheSize: 10000,
	},
	Publisher: Publisher{
		PageSize:             100,
		PollAttemptsMaxCount: 300,
		PollInterval:         Duration(100 * time.Millisecond),
	},
	Poller: Poller{
		Timeout:               60,
		BufferQueueMaxCount:   1000,
		EventsToFlushMaxCount: 100,
		FlushInterval:         Duration(time.Second),
	},
}

// Default returns a copy of the default configuration
func Default() *Config {
	c := defaultConfig
	return &c
}

type Web struct {
	// http listen addess
	HTTP string `json:"http"`
}

type DB struct {
	Type       db.Type `json:"type"`
	ConnString string  `json:"connString"`
}

type Node struct {
	// Name identifies the node in logs and locks
	Name string `json:"name"`
	// StreamType is the stream type of the aggregates owned by this node
	// and published to the subscribers
	StreamType string `json:"streamType"`
	Role       Role   `json:"role"`
}

type EventStore struct {
	SnapshotCacheTTL  Duration `json:"snapshotCacheTTL"`
	SnapshotCacheSize int      `json:"snapshotCacheSize"`
	// SequentialIDs generates time ordered event ids
	SequentialIDs bool `json:"sequentialIDs"`
	// UTCTime stores event timestamps in UTC instead of local time
	UTCTime bool `json:"utcTime"`
}

type Publisher struct {
	// PageSize is the max number of events returned by a poll
	PageSize uint64 `json:"pageSize"`
	// PollAttemptsMaxCount bounds the long poll duration to
	// PollAttemptsMaxCount * PollInterval
	PollAttemptsMaxCount int      `json:"pollAttemptsMaxCount"`
	PollInterval         Duration `json:"pollInterval"`
}

type Poller struct {
	// Timeout of a poll request in seconds. Must be greater than the
	// publishers long poll duration
	Timeout               uint     `json:"timeout"`
	BufferQueueMaxCount   int      `json:"bufferQueueMaxCount"`
	EventsToFlushMaxCount int      `json:"eventsToFlushMaxCount"`
	FlushInterval         Duration `json:"flushInterval"`

	Subscriptions []Subscription `json:"subscriptions"`
}

type Subscription struct {
	// StreamType is the source stream type published at URL
	StreamType string `json:"streamType"`
	URL        string `json:"url"`
}

// Duration is a time.Duration parsed from a string like "100ms" or from a
// number of nanoseconds
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		pd, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", value)
		}
		*d = Duration(pd)
	default:
		return errors.Errorf("invalid duration %s", b)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.DB.Type {
	case db.Postgres, db.Sqlite3:
	case "":
		return errors.New("no db type specified")
	default:
		return errors.Errorf("unsupported db type: %s", c.DB.Type)
	}
	if c.DB.ConnString == "" {
		return errors.New("no db connection string specified")
	}

	if c.Node.Name == "" {
		return errors.New("no node name specified")
	}
	switch c.Node.Role {
	case RolePublisher, RoleSubscriber, RoleBoth:
	default:
		return errors.Errorf("unknown node role: %q", c.Node.Role)
	}

	if c.Node.Role.Publishes() {
		if c.Node.StreamType == "" {
			return errors.New("no node stream type specified")
		}
		if c.Web.HTTP == "" {
			return errors.New("a publisher node must define a http listen address")
		}
		if c.Publisher.PageSize < 1 {
			return errors.New("publisher page size must be greater than 0")
		}
		if c.Publisher.PollAttemptsMaxCount < 1 {
			return errors.New("publisher poll attempts max count must be greater than 0")
		}
		if c.Publisher.PollInterval <= 0 {
			return errors.New("publisher poll interval must be greater than 0")
		}
	}

	if c.Node.Role.Subscribes() {
		if len(c.Poller.Subscriptions) == 0 {
			return errors.New("a subscriber node must define at least one subscription")
		}
		seen := map[string]struct{}{}
		for i, s := range c.Poller.Subscriptions {
			if s.StreamType == "" {
				return errors.Errorf("subscription %d: no stream type specified", i)
			}
			if s.URL == "" {
				return errors.Errorf("subscription %d: no url specified", i)
			}
			if _, ok := seen[s.StreamType]; ok {
				return errors.Errorf("duplicate subscription for stream type %q", s.StreamType)
			}
			seen[s.StreamType] = struct{}{}
		}
		if c.Poller.BufferQueueMaxCount < 1 || c.Poller.EventsToFlushMaxCount < 1 {
			return errors.New("poller buffer sizes must be greater than 0")
		}
		if c.Poller.FlushInterval <= 0 {
			return errors.New("poller flush interval must be greater than 0")
		}
		longPoll := time.Duration(c.Publisher.PollAttemptsMaxCount) * c.Publisher.PollInterval.Duration()
		if time.Duration(c.Poller.Timeout)*time.Second <= longPoll {
			return errors.Errorf("poller timeout (%ds) must be greater than the publisher long poll duration (%s)", c.Poller.Timeout, longPoll)
		}
	}

	return nil
}
