// Package alert watches a GPIO line which slave devices pull up
// when they have fresh data, so manager may poll early.
package alert

import (
	"context"
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/wemosbridge/bridge/log2"
)

const waitTimeout = 200 * time.Millisecond

type Line struct {
	chip gpio.Chiper
	ev   gpio.Eventer
	log  *log2.Log
}

func Open(chipPath string, line uint32, log *log2.Log) (*Line, error) {
	chip, err := gpio.Open(chipPath, "bridge")
	if err != nil {
		return nil, errors.Annotatef(err, "alert open chip=%s", chipPath)
	}
	ev, err := chip.GetLineEvent(line, 0, gpio.GPIOEVENT_REQUEST_RISING_EDGE, "bridge-alert")
	if err != nil {
		_ = chip.Close()
		return nil, errors.Annotatef(err, "alert chip=%s line=%d", chipPath, line)
	}
	return &Line{chip: chip, ev: ev, log: log}, nil
}

func NewLine(ev gpio.Eventer, log *log2.Log) *Line {
	return &Line{ev: ev, log: log}
}

// Run signals ch on each rising edge until ctx is done.
// Signals are coalesced when receiver is busy.
func (l *Line) Run(ctx context.Context, ch chan<- struct{}) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := l.ev.Wait(waitTimeout)
		switch {
		case err == nil:
			l.log.Debugf("alert edge")
			select {
			case ch <- struct{}{}:
			default:
			}
		case gpio.IsTimeout(err) || errors.IsTimeout(err):
		case gpio.IsClosed(err):
			return nil
		default:
			return errors.Annotate(err, "alert wait")
		}
	}
}

func (l *Line) Close() error {
	err := l.ev.Close()
	if l.chip != nil {
		if err2 := l.chip.Close(); err == nil {
			err = err2
		}
	}
	return err
}
