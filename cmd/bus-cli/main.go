// Interactive console for slave bus, raw transactions and packet decoding.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/bus"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/helpers/cli"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
	"github.com/wemosbridge/bridge/state"
)

const usage = `syntax: commands separated by whitespace
(main)
- @AA:XX...   transmit packet hex XX... to address AA, show response
- probe=AA    send heartbeat to address AA, show decoded response
- scan        probe addresses 08-77
- decode=XX.. decode packet hex
- sN          pause N milliseconds

(meta)
- log=yes     enable debug logging
- log=no      disable debug logging
- loop=N      repeat N times all commands on this line
`

var log = log2.NewStderr(log2.LDebug)

type cmdFunc func(ctx context.Context, b *bus.Client) error

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	driver := cmdline.String("driver", "dev", "dev|periph|hub")
	device := cmdline.String("device", "1", "i2c bus number, device path or periph bus name")
	hubURL := cmdline.String("hub", "", "hub url, e.g. tcp://pi:5001")
	timeoutMs := cmdline.Int("timeout-ms", 200, "bus transaction timeout")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	config := new(state.Config)
	config.Bus.Driver = *driver
	config.Bus.Device = *device
	config.Bus.HubURL = *hubURL
	config.Bus.TimeoutMs = *timeoutMs

	_, g := state.NewContext(log)
	g.Config = config
	d, err := g.NewDriver()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	busLog := log.Clone(log2.LDebug)
	b := bus.NewClient(d, helpers.IntMillisecondDefault(*timeoutMs, bus.DefaultTimeout), busLog)
	defer b.Close()

	log.Infof(usage)
	cli.MainLoop("bus-cli", newExecutor(b, busLog), newCompleter())
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "@AA:XX", Description: "transmit packet, show response"},
		{Text: "probe=AA", Description: "heartbeat to address"},
		{Text: "scan", Description: "probe all addresses"},
		{Text: "decode=XX", Description: "decode packet hex"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "loop=N", Description: "repeat line N times"},
		{Text: "log=yes", Description: "bus debug log"},
		{Text: "log=no", Description: "no bus debug log"},
	}
	return func(d prompt.Document) []prompt.Suggest { return cli.Suggest(d, suggests) }
}

func newExecutor(b *bus.Client, busLog *log2.Log) func(line string) {
	return func(line string) {
		cmds, loop, err := parseLine(line, busLog)
		if err != nil {
			log.Errorf("%s\n%s", errors.ErrorStack(err), usage)
			return
		}
		ctx := context.Background()
		for i := 0; i < loop; i++ {
			for _, c := range cmds {
				if err := c(ctx, b); err != nil {
					log.Errorf(errors.ErrorStack(err))
					return
				}
			}
		}
	}
}

func parseLine(line string, busLog *log2.Log) ([]cmdFunc, int, error) {
	words := strings.Fields(line)
	cmds := make([]cmdFunc, 0, len(words))
	loop := 1
	for _, w := range words {
		switch {
		case w == "help":
			cmds = append(cmds, func(context.Context, *bus.Client) error { log.Infof(usage); return nil })
		case w == "log=yes":
			cmds = append(cmds, func(context.Context, *bus.Client) error { busLog.SetLevel(log2.LDebug); return nil })
		case w == "log=no":
			cmds = append(cmds, func(context.Context, *bus.Client) error { busLog.SetLevel(log2.LError); return nil })
		case strings.HasPrefix(w, "loop="):
			n, err := strconv.Atoi(w[5:])
			if err != nil || n < 1 {
				return nil, 0, errors.NotValidf("word=%s", w)
			}
			loop = n
		case w == "scan":
			cmds = append(cmds, scan)
		case strings.HasPrefix(w, "probe="):
			addr, err := parseAddr(w[6:])
			if err != nil {
				return nil, 0, err
			}
			cmds = append(cmds, func(ctx context.Context, b *bus.Client) error {
				return probe(ctx, b, addr)
			})
		case strings.HasPrefix(w, "decode="):
			raw, err := parseHex(w[7:])
			if err != nil {
				return nil, 0, err
			}
			cmds = append(cmds, func(context.Context, *bus.Client) error {
				p, err := protocol.Decode(raw)
				log.Infof("%s", p.String())
				return err
			})
		case strings.HasPrefix(w, "@"):
			parts := strings.SplitN(w[1:], ":", 2)
			if len(parts) != 2 {
				return nil, 0, errors.NotValidf("word=%s expected @AA:XX", w)
			}
			addr, err := parseAddr(parts[0])
			if err != nil {
				return nil, 0, err
			}
			request, err := parseHex(parts[1])
			if err != nil {
				return nil, 0, err
			}
			cmds = append(cmds, func(ctx context.Context, b *bus.Client) error {
				return tx(ctx, b, addr, request)
			})
		case strings.HasPrefix(w, "s"):
			ms, err := strconv.Atoi(w[1:])
			if err != nil {
				return nil, 0, errors.NotValidf("word=%s", w)
			}
			cmds = append(cmds, func(context.Context, *bus.Client) error {
				time.Sleep(time.Duration(ms) * time.Millisecond)
				return nil
			})
		default:
			return nil, 0, errors.NotSupportedf("word=%s", w)
		}
	}
	return cmds, loop, nil
}

func tx(ctx context.Context, b *bus.Client, addr uint8, request []byte) error {
	response, err := b.Tx(ctx, addr, request)
	if err != nil {
		return err
	}
	log.Infof("< %s", protocol.Format(response))
	if frame, _, err := protocol.Split(response); err == nil && frame != nil {
		p, err := protocol.Decode(frame)
		log.Infof("< %s err=%v", p.String(), err)
	}
	return nil
}

func probe(ctx context.Context, b *bus.Client, addr uint8) error {
	request := protocol.MustEncode(protocol.NewHeartbeat(0, protocol.SensorNoop))
	return tx(ctx, b, addr, request)
}

func scan(ctx context.Context, b *bus.Client) error {
	found := 0
	for a := 0x08; a <= 0x77; a++ {
		err := probe(ctx, b, uint8(a))
		switch {
		case err == nil:
			found++
		case bus.IsNoAck(err):
		default:
			log.Errorf("addr=%02x err=%v", a, err)
		}
	}
	log.Infof("scan found=%d", found)
	return nil
}

func parseAddr(s string) (uint8, error) {
	x, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, errors.NotValidf("address=%s", s)
	}
	return uint8(x), nil
}

func parseHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.NotValidf("hex=%s", s)
	}
	return b, nil
}
