package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/state"
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "bridge.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.SetLevel(log2.LInfo)
	log.Infof("bridge start config=%s", *flagConfig)

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	ctx, g := state.NewContext(log)
	g.MustInit(ctx, config)
	if err := g.Run(ctx); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("bridge running listen=%v", g.Server.Addrs())
	sdnotify(daemon.SdNotifyReady)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigch:
		log.Infof("signal=%v, stopping", sig)
	case <-g.Alive.StopChan():
	}
	sdnotify(daemon.SdNotifyStopping)
	g.Stop()
	log.Infof("bridge stop sessions=%s", g.Server.Stat().String())
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
