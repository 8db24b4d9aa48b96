package tele

import (
	"context"

	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/log2"
	tele_config "github.com/wemosbridge/bridge/tele/config"
)

type countTeler struct {
	events int
	errors int
	closed bool
}

func (self *countTeler) Init(context.Context, *log2.Log, tele_config.Config) error { return nil }
func (self *countTeler) Close()                                                    { self.closed = true }
func (self *countTeler) Event(slave.Event)                                         { self.events++ }
func (self *countTeler) Error(error)                                               { self.errors++ }
