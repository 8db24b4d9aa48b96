package state

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/wemosbridge/bridge/hardware/alert"
	"github.com/wemosbridge/bridge/hardware/bus"
	"github.com/wemosbridge/bridge/hardware/hub"
	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/server"
	"github.com/wemosbridge/bridge/tele"
	tele_mqtt "github.com/wemosbridge/bridge/tele/mqtt"
	tele_redis "github.com/wemosbridge/bridge/tele/redis"
)

type Global struct {
	Alive    *alive.Alive
	Config   *Config
	Hardware struct {
		// Driver may be set before Init, e.g. by tests
		Driver bus.Driver
		Bus    *bus.Client
		Alert  *alert.Line
		Hub    *hub.Server
	}
	Log     *log2.Log
	Manager *slave.Manager
	Server  *server.Server
	Tele    tele.Teler

	alertCh chan struct{}
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}

	// Since tele is remote error reporting mechanism, it must be inited before anything else
	if g.Tele == nil {
		g.Tele = g.newTele()
	}
	if err := g.Tele.Init(ctx, g.Log, cfg.Tele); err != nil {
		return errors.Annotate(err, "tele init")
	}
	g.Log.SetErrorFunc(g.Tele.Error)

	opt, err := cfg.SlaveOptions()
	if err != nil {
		return errors.Annotate(err, "config: slave")
	}

	errs := make([]error, 0)
	if g.Hardware.Driver == nil {
		if g.Hardware.Driver, err = g.NewDriver(); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Slave.Alert.Enable {
		if g.Hardware.Alert, err = alert.Open(cfg.Slave.Alert.Chip, uint32(cfg.Slave.Alert.Line), g.Log); err != nil {
			errs = append(errs, err)
		}
	}
	if len(cfg.Server.Listen) == 0 {
		errs = append(errs, errors.NotValidf("config: server.listen empty"))
	}
	if err = helpers.FoldErrors(errs); err != nil {
		return err
	}

	busLog := g.Log
	if !cfg.Bus.LogDebug {
		busLog = g.Log.Clone(log2.LInfo)
	}
	g.Hardware.Bus = bus.NewClient(g.Hardware.Driver,
		helpers.IntMillisecondDefault(cfg.Bus.TimeoutMs, bus.DefaultTimeout), busLog)

	g.Server = server.NewServer(server.Options{Log: g.Log, Tele: g.Tele})
	g.Server.CommandTimeout = helpers.IntSecondDefault(cfg.Server.CommandTimeoutSec, server.DefaultCommandTimeout)

	opt.Log = g.Log
	if g.Hardware.Alert != nil {
		g.alertCh = make(chan struct{}, 1)
		opt.Alert = g.alertCh
	}
	if g.Manager, err = slave.NewManager(g.Hardware.Bus, opt, g.Server); err != nil {
		return errors.Annotate(err, "slave manager")
	}
	g.Server.SetManager(g.Manager)
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

// Run starts manager, listeners and alert line. Returns after listen,
// background tasks stop with g.Alive.
func (g *Global) Run(ctx context.Context) error {
	cfg := g.Config
	ctx, cancel := context.WithCancel(ctx)
	listens := make([]server.ListenOptions, 0, len(cfg.Server.Listen))
	for _, url := range cfg.Server.Listen {
		listens = append(listens, server.ListenOptions{
			URL:            url,
			NetworkTimeout: helpers.IntSecondDefault(cfg.Server.NetworkTimeoutSec, server.DefaultNetworkTimeout),
			ReadLimit:      cfg.Server.ReadLimit,
			Broadcast:      cfg.Server.Broadcast,
		})
	}
	if err := g.Server.Listen(ctx, listens); err != nil {
		cancel()
		return errors.Annotate(err, "server")
	}
	if cfg.Hub.Listen != "" {
		g.Hardware.Hub = hub.NewServer(g.Hardware.Bus, g.Log)
		if err := g.Hardware.Hub.Listen(cfg.Hub.Listen); err != nil {
			cancel()
			_ = g.Server.Close()
			return errors.Annotate(err, "hub")
		}
	}

	g.goTask(func() {
		if err := g.Manager.Run(ctx); err != nil {
			g.Error(err, "slave manager")
		}
	})
	if g.Hardware.Alert != nil {
		g.goTask(func() {
			if err := g.Hardware.Alert.Run(ctx, g.alertCh); err != nil {
				g.Error(err)
			}
		})
	}
	go func() {
		<-g.Alive.StopChan()
		cancel()
	}()
	return nil
}

// Stop closes everything in reverse order of Init.
func (g *Global) Stop() {
	g.Alive.Stop()
	if g.Server != nil {
		_ = g.Server.Close()
	}
	if g.Hardware.Hub != nil {
		_ = g.Hardware.Hub.Close()
	}
	if g.Hardware.Alert != nil {
		_ = g.Hardware.Alert.Close()
	}
	waitCh := g.Alive.WaitChan()
	select {
	case <-waitCh:
	case <-time.After(10 * time.Second):
		g.Log.Errorf("stop timeout, some tasks did not finish")
	}
	if g.Hardware.Bus != nil {
		_ = g.Hardware.Bus.Close()
	}
	if c, ok := g.Hardware.Driver.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if g.Tele != nil {
		g.Tele.Close()
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) goTask(f func()) {
	if !g.Alive.Add(1) {
		return
	}
	go func() {
		defer g.Alive.Done()
		f()
	}()
}

func (g *Global) newTele() tele.Teler {
	ts := make(tele.Multi, 0, 2)
	if g.Config.Tele.Mqtt.Enabled {
		ts = append(ts, &tele_mqtt.Client{})
	}
	if g.Config.Tele.Redis.Enabled {
		ts = append(ts, &tele_redis.Mirror{})
	}
	if len(ts) == 0 {
		return tele.Noop{}
	}
	return ts
}
