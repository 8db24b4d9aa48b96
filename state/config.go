package state

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
	tele_config "github.com/wemosbridge/bridge/tele/config"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Bus struct {
		Driver       string `hcl:"driver"` // dev, periph, hub
		Device       string `hcl:"device"` // i2c bus number, device path or periph bus name
		HubURL       string `hcl:"hub_url"`
		ResponseSize int    `hcl:"response_size"`
		TimeoutMs    int    `hcl:"timeout_ms"`
		LogDebug     bool   `hcl:"log_debug"`
	}
	Hub struct {
		// export local bus to remote bridges
		Listen string `hcl:"listen"`
	}
	Slave struct { //nolint:maligned
		PollIntervalMs   int            `hcl:"poll_interval_ms"`
		DiscoveryEvery   int            `hcl:"discovery_every"`
		FailureThreshold int            `hcl:"failure_threshold"`
		DiscoverFrom     string         `hcl:"discover_from"`
		DiscoverTo       string         `hcl:"discover_to"`
		Codepage         string         `hcl:"codepage"`
		Devices          []DeviceConfig `hcl:"device"`
		Alert            struct {
			Enable bool   `hcl:"enable"`
			Chip   string `hcl:"chip"`
			Line   int    `hcl:"line"`
		}
	}
	Server struct {
		Listen            []string `hcl:"listen"`
		Broadcast         bool     `hcl:"broadcast"`
		NetworkTimeoutSec int      `hcl:"network_timeout_sec"`
		CommandTimeoutSec int      `hcl:"command_timeout_sec"`
		ReadLimit         int      `hcl:"read_limit"`
	}
	Tele     tele_config.Config `hcl:"tele"`
	LogDebug bool               `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type DeviceConfig struct {
	Address  string `hcl:"address,key"`
	SensorID int    `hcl:"sensor_id"` // 0 means same as address
	Type     string `hcl:"type"`
}

// SlaveOptions converts config to manager options. All errors are returned together.
func (c *Config) SlaveOptions() (slave.Options, error) {
	sc := &c.Slave
	opt := slave.Options{
		PollInterval:     helpers.IntMillisecondDefault(sc.PollIntervalMs, slave.DefaultPollInterval),
		DiscoveryEvery:   sc.DiscoveryEvery,
		FailureThreshold: sc.FailureThreshold,
		Codepage:         sc.Codepage,
		Devices:          make([]slave.DeviceConfig, 0, len(sc.Devices)),
	}
	errs := make([]error, 0)
	var err error
	if opt.DiscoverFrom, err = parseAddress(sc.DiscoverFrom, "slave.discover_from"); err != nil {
		errs = append(errs, err)
	}
	if opt.DiscoverTo, err = parseAddress(sc.DiscoverTo, "slave.discover_to"); err != nil {
		errs = append(errs, err)
	}
	for _, dc := range sc.Devices {
		addr, err := parseAddress(dc.Address, "slave.device")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		st, err := protocol.ParseSensorType(dc.Type)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "config: slave.device=%s", dc.Address))
			continue
		}
		if dc.SensorID < 0 || dc.SensorID > 0xff {
			errs = append(errs, errors.NotValidf("config: slave.device=%s sensor_id=%d", dc.Address, dc.SensorID))
			continue
		}
		opt.Devices = append(opt.Devices, slave.DeviceConfig{Address: addr, SensorID: uint8(dc.SensorID), SensorType: st})
	}
	return opt, helpers.FoldErrors(errs)
}

// parseAddress accepts "0x10", "16", empty means 0.
func parseAddress(s, field string) (uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	x, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.NotValidf("config: %s=%s", field, s)
	}
	return uint8(x), nil
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
