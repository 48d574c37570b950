package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisHash is the hash holding the OTA state of every component.
const RedisHash = "ota"

const redisTimeout = 2 * time.Second

// RedisSink mirrors OTA state into the ota hash for other services on the
// device to read.
type RedisSink struct {
	client    redis.Cmdable
	component string
	logger    logrus.FieldLogger
}

func NewRedisSink(client redis.Cmdable, component string) *RedisSink {
	return &RedisSink{
		client:    client,
		component: component,
		logger:    logrus.StandardLogger().WithField("system", "telemetry-redis"),
	}
}

func (s *RedisSink) SetLogger(logger logrus.FieldLogger) {
	s.logger = logger
}

func (s *RedisSink) key(name string) string {
	return fmt.Sprintf("%s:%s", name, s.component)
}

// hashChange is the set of fields to write and delete for one event.
type hashChange struct {
	set map[string]interface{}
	del []string
}

func (s *RedisSink) changeFor(e *Event) hashChange {
	c := hashChange{set: make(map[string]interface{})}
	switch e.Type {
	case EventStatus:
		c.set[s.key("status")] = e.State
		switch e.State {
		case "checking", "downloading":
			c.del = append(c.del, s.key("error"), s.key("error-message"))
		case "idle":
			c.del = append(c.del,
				s.key("download-progress"), s.key("download-bytes"), s.key("download-total"))
		}
	case EventProgress:
		c.set[s.key("download-progress")] = int(e.Percent)
		c.set[s.key("download-bytes")] = e.Received
		c.set[s.key("download-total")] = e.Total
	case EventComplete:
		c.set[s.key("status")] = e.State
		if e.Success {
			if e.Version != "" {
				c.set[s.key("update-version")] = e.Version
			}
			c.del = append(c.del, s.key("error"), s.key("error-message"))
		} else {
			c.set[s.key("error")] = "update-failed"
			c.set[s.key("error-message")] = e.Reason
			c.del = append(c.del,
				s.key("download-progress"), s.key("download-bytes"), s.key("download-total"))
		}
	}
	return c
}

func (s *RedisSink) Handle(e *Event) error {
	change := s.changeFor(e)
	if len(change.set) == 0 && len(change.del) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(change.set) > 0 {
			pipe.HSet(ctx, RedisHash, change.set)
		}
		if len(change.del) > 0 {
			pipe.HDel(ctx, RedisHash, change.del...)
		}
		pipe.Publish(ctx, RedisHash, s.key("status"))
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to write %s state for %s", RedisHash, s.component)
	}
	return nil
}
