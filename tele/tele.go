// Package tele publishes sensor events to external systems.
// Publishers must not block caller, events arrive on slave manager goroutine.
package tele

import (
	"context"
	"time"

	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/log2"
	tele_config "github.com/wemosbridge/bridge/tele/config"
)

const DefaultNetworkTimeout = 5 * time.Second

type Teler interface {
	Init(context.Context, *log2.Log, tele_config.Config) error
	Close()
	Event(slave.Event)
	Error(error)
}

type Noop struct{}

var _ Teler = Noop{} // compile-time interface test

func (Noop) Init(context.Context, *log2.Log, tele_config.Config) error { return nil }
func (Noop) Close()                                                    {}
func (Noop) Event(slave.Event)                                         {}
func (Noop) Error(error)                                               {}

// Multi fans out to every publisher.
type Multi []Teler

var _ Teler = Multi{}

func (self Multi) Init(ctx context.Context, log *log2.Log, c tele_config.Config) error {
	for _, t := range self {
		if err := t.Init(ctx, log, c); err != nil {
			return err
		}
	}
	return nil
}

func (self Multi) Close() {
	for _, t := range self {
		t.Close()
	}
}

func (self Multi) Event(e slave.Event) {
	for _, t := range self {
		t.Event(e)
	}
}

func (self Multi) Error(err error) {
	for _, t := range self {
		t.Error(err)
	}
}
