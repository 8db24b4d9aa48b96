package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/bus"
	"github.com/wemosbridge/bridge/hardware/hub"
	"github.com/wemosbridge/bridge/hardware/i2c"
	"github.com/wemosbridge/bridge/helpers"
)

func (g *Global) NewDriver() (bus.Driver, error) {
	cfg := &g.Config.Bus
	size := cfg.ResponseSize
	if size <= 0 {
		size = i2c.DefaultResponseSize
	}
	switch cfg.Driver {
	case "", "dev":
		d := i2c.NewDev(cfg.Device, size)
		if err := d.Open(); err != nil {
			return nil, errors.Annotatef(err, "config: bus.driver=dev device=%s", cfg.Device)
		}
		return d, nil

	case "periph":
		d := i2c.NewPeriph(cfg.Device, size)
		if err := d.Open(); err != nil {
			return nil, errors.Annotatef(err, "config: bus.driver=periph device=%s", cfg.Device)
		}
		return d, nil

	case "hub":
		if cfg.HubURL == "" {
			return nil, errors.NotValidf("config: bus.driver=hub hub_url empty")
		}
		if _, _, err := helpers.ParseURI(cfg.HubURL); err != nil {
			return nil, errors.Annotate(err, "config: bus.hub_url")
		}
		timeout := helpers.IntMillisecondDefault(cfg.TimeoutMs, bus.DefaultTimeout) * 2
		if timeout < time.Second {
			timeout = time.Second
		}
		return hub.NewClient(cfg.HubURL, timeout, g.Log), nil
	}
	return nil, errors.NotSupportedf("config: bus.driver=%s", cfg.Driver)
}
