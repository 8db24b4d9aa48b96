// Package tele_redis mirrors latest reading per sensor into redis hash
// <prefix>:sensor:<id> with TTL. No history is kept.
package tele_redis

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/temoto/alive/v2"
	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/tele"
	tele_config "github.com/wemosbridge/bridge/tele/config"
)

const (
	DefaultKeyPrefix = "bridge"
	DefaultTTL       = 24 * time.Hour
	queueSize        = 64
)

// hasher is the part of redis.Client used here.
type hasher interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

type Mirror struct {
	alive   *alive.Alive
	log     *log2.Log
	r       hasher
	q       chan tele.Reading
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

var _ tele.Teler = &Mirror{}

func (self *Mirror) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config) error {
	c := teleConfig.Redis
	if c.Addr == "" {
		return errors.NotValidf("tele redis addr empty")
	}
	timeout := helpers.IntSecondDefault(c.NetworkTimeoutSec, tele.DefaultNetworkTimeout)
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// not fatal, client reconnects on next command
		log.Errorf("tele redis addr=%s ping err=%v", c.Addr, err)
	}
	self.start(log, c, rdb)
	return nil
}

func (self *Mirror) start(log *log2.Log, c tele_config.RedisConfig, r hasher) {
	self.alive = alive.NewAlive()
	self.log = log
	self.r = r
	self.q = make(chan tele.Reading, queueSize)
	self.prefix = c.KeyPrefix
	if self.prefix == "" {
		self.prefix = DefaultKeyPrefix
	}
	self.ttl = helpers.IntSecondDefault(c.TTLSec, DefaultTTL)
	self.timeout = helpers.IntSecondDefault(c.NetworkTimeoutSec, tele.DefaultNetworkTimeout)
	self.alive.Add(1)
	go self.worker()
}

// Close writes queued readings and closes connection.
func (self *Mirror) Close() {
	self.alive.Stop()
	self.alive.Wait()
	if err := self.r.Close(); err != nil {
		self.log.Errorf("tele redis close err=%v", err)
	}
}

// Event never blocks, reading is dropped when queue is full.
func (self *Mirror) Event(e slave.Event) {
	if !self.alive.IsRunning() {
		return
	}
	select {
	case self.q <- tele.NewReading(e):
	default:
		self.log.Debugf("tele redis queue full, drop addr=%02x", e.Address)
	}
}

func (self *Mirror) Error(error) {}

func (self *Mirror) Key(id uint8) string { return fmt.Sprintf("%s:sensor:%d", self.prefix, id) }

func (self *Mirror) worker() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		select {
		case r := <-self.q:
			self.write(r)
		case <-stopch:
			for {
				select {
				case r := <-self.q:
					self.write(r)
				default:
					return
				}
			}
		}
	}
}

func (self *Mirror) write(r tele.Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), self.timeout)
	defer cancel()
	key := self.Key(r.SensorID)
	if err := self.r.HSet(ctx, key, r.Fields()).Err(); err != nil {
		self.log.Errorf("tele redis hset key=%s err=%v", key, err)
		return
	}
	if err := self.r.Expire(ctx, key, self.ttl).Err(); err != nil {
		self.log.Errorf("tele redis expire key=%s err=%v", key, err)
	}
}
