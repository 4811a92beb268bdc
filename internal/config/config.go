// Package config loads the process configuration from an optional YAML file
// and command-line flags, then validates it for the selected role.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/flosterloh/docker-asterisk/discovery"
	"github.com/flosterloh/docker-asterisk/pkg/dispatcher"
)

const (
	ModeAnnounce = "announce"
	ModeWatch    = "watch"
)

type Config struct {
	Mode        string     `yaml:"mode" validate:"oneof=announce watch"`
	LogLevel    string     `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogJSON     bool       `yaml:"log_json"`
	MetricsAddr string     `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Etcd        EtcdConfig `yaml:"etcd"`
	Announce    Announce   `yaml:"announce"`
	Watch       Watch      `yaml:"watch"`
}

type EtcdConfig struct {
	Endpoints      []string      `yaml:"endpoints" validate:"min=1,dive,required"`
	Prefix         string        `yaml:"prefix" validate:"required,startswith=/"`
	DialTimeout    time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	Retries        int           `yaml:"retries" validate:"gte=0,lte=10"`
}

type Announce struct {
	ID             string        `yaml:"id"`
	Address        string        `yaml:"address" validate:"required"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	Weight         *int          `yaml:"weight" validate:"omitempty,min=0,max=100"`
	Heartbeat      time.Duration `yaml:"heartbeat" validate:"gte=1s"`
	TTL            time.Duration `yaml:"ttl" validate:"gte=0"`
	BackoffInitial time.Duration `yaml:"backoff_initial" validate:"gt=0"`
	BackoffMax     time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffInitial"`
}

type Watch struct {
	ListPath       string        `yaml:"list_path" validate:"required"`
	SetID          int           `yaml:"set_id" validate:"gte=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=1s"`
	ScanInterval   time.Duration `yaml:"scan_interval" validate:"gte=0"`
	ResyncInterval time.Duration `yaml:"resync_interval" validate:"gte=0"`
	Debounce       time.Duration `yaml:"debounce" validate:"gte=0"`
	RetryInterval  time.Duration `yaml:"retry_interval" validate:"gt=0"`
	Reload         Reload        `yaml:"reload"`
}

type Reload struct {
	Command []string      `yaml:"command"`
	PIDFile string        `yaml:"pid_file"`
	Signal  string        `yaml:"signal"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Mode:     ModeWatch,
		LogLevel: "info",
		Etcd: EtcdConfig{
			Endpoints:      []string{"127.0.0.1:2379"},
			Prefix:         discovery.DefaultPrefix,
			DialTimeout:    5 * time.Second,
			RequestTimeout: 3 * time.Second,
			Retries:        3,
		},
		Announce: Announce{
			Address:        "127.0.0.1",
			Port:           5060,
			Heartbeat:      5 * time.Second,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
		},
		Watch: Watch{
			ListPath:       "/etc/kamailio/dispatcher.list",
			SetID:          dispatcher.DefaultSetID,
			Timeout:        20 * time.Second,
			ResyncInterval: 5 * time.Minute,
			Debounce:       50 * time.Millisecond,
			RetryInterval:  5 * time.Second,
			Reload: Reload{
				Command: append([]string(nil), dispatcher.DefaultReloadCommand...),
				Signal:  "HUP",
				Timeout: 10 * time.Second,
			},
		},
	}
}

// Load parses args (without the program name). A -config file is applied
// over the defaults first, then explicitly set flags win.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("dispatch-watcher", flag.ContinueOnError)
	var (
		path      = fs.String("config", "", "path to a YAML config file")
		announce  = fs.Bool("announce", false, `start in "announce" mode (defaults to watch mode)`)
		etcdHost  = fs.String("etcdhost", "", "comma-separated etcd endpoints (host:port)")
		prefix    = fs.String("prefix", "", "etcd key prefix for members")
		timeout   = fs.Duration("timeout", 0, "heartbeat timeout before a member is evicted [watch mode]")
		listPath  = fs.String("listpath", "", "path of the dispatcher.list file [watch mode]")
		reload    = fs.String("reload", "", `reload command, e.g. "kamcmd dispatcher.reload"; "none" disables [watch mode]`)
		ip        = fs.String("announceip", "", "IP address to announce [announce mode]")
		port      = fs.Int("announceport", 0, "port to announce [announce mode]")
		weight    = fs.String("weight", "", "percentage of calls to send to this node [announce mode]")
		heartbeat = fs.Duration("heartbeat", 0, "time between heartbeats [announce mode]")
		ttl       = fs.Duration("ttl", 0, "membership TTL, defaults to 3x heartbeat [announce mode]")
		metrics   = fs.String("metrics", "", "listen address for /metrics and /healthz")
		logLevel  = fs.String("loglevel", "", "log level (debug, info, warn, error)")
		logJSON   = fs.Bool("logjson", false, "log in JSON")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.mergeFile(*path); err != nil {
			return Config{}, err
		}
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["announce"] {
		cfg.Mode = ModeWatch
		if *announce {
			cfg.Mode = ModeAnnounce
		}
	}
	if set["etcdhost"] {
		cfg.Etcd.Endpoints = splitList(*etcdHost)
	}
	if set["prefix"] {
		cfg.Etcd.Prefix = *prefix
	}
	if set["timeout"] {
		cfg.Watch.Timeout = *timeout
	}
	if set["listpath"] {
		cfg.Watch.ListPath = *listPath
	}
	if set["reload"] {
		cfg.Watch.Reload.Command = strings.Fields(*reload)
		if *reload == "none" {
			cfg.Watch.Reload.Command = nil
		}
	}
	if set["announceip"] {
		cfg.Announce.Address = *ip
	}
	if set["announceport"] {
		cfg.Announce.Port = *port
	}
	if set["weight"] && *weight != "" {
		w, err := strconv.Atoi(*weight)
		if err != nil {
			return Config{}, fmt.Errorf("weight: %w", err)
		}
		cfg.Announce.Weight = &w
	}
	if set["heartbeat"] {
		cfg.Announce.Heartbeat = *heartbeat
	}
	if set["ttl"] {
		cfg.Announce.TTL = *ttl
	}
	if set["metrics"] {
		cfg.MetricsAddr = *metrics
	}
	if set["loglevel"] {
		cfg.LogLevel = *logLevel
	}
	if set["logjson"] {
		cfg.LogJSON = *logJSON
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyDerived fills values that depend on others.
func (c *Config) applyDerived() {
	if c.Announce.TTL == 0 {
		c.Announce.TTL = 3 * c.Announce.Heartbeat
	}
	if c.Announce.ID == "" && c.Announce.Address != "" {
		c.Announce.ID = discovery.MemberID(c.Announce.Address, c.Announce.Port)
	}
	if c.Watch.ScanInterval == 0 {
		c.Watch.ScanInterval = c.Watch.Timeout / 2
	}
}

var validate = validator.New()

// Validate checks the shared settings and those of the selected role.
func (c Config) Validate() error {
	if err := validate.StructExcept(c, "Announce", "Watch"); err != nil {
		return formatValidationError(err)
	}

	switch c.Mode {
	case ModeAnnounce:
		if err := validate.Struct(c.Announce); err != nil {
			return formatValidationError(err)
		}
		if c.Announce.TTL <= c.Announce.Heartbeat {
			return fmt.Errorf("announce.ttl %v must be greater than announce.heartbeat %v", c.Announce.TTL, c.Announce.Heartbeat)
		}
		if c.Announce.TTL%time.Second != 0 {
			return fmt.Errorf("announce.ttl %v must be whole seconds", c.Announce.TTL)
		}
	case ModeWatch:
		if err := validate.Struct(c.Watch); err != nil {
			return formatValidationError(err)
		}
		if c.Watch.ScanInterval > c.Watch.Timeout/2 {
			return fmt.Errorf("watch.scan_interval %v must be at most half of watch.timeout %v", c.Watch.ScanInterval, c.Watch.Timeout)
		}
		if c.Watch.Reload.PIDFile != "" {
			if _, err := dispatcher.ParseSignal(c.Watch.Reload.Signal); err != nil {
				return fmt.Errorf("watch.reload.signal: %w", err)
			}
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.ActualTag(), fe.Value()))
	}
	return errors.New("invalid config: " + strings.Join(msgs, "; "))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
