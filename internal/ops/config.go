package ops

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yanun0323/errors"

	"github.com/zfogg/sidechain-sub009/internal/chaos"
	"github.com/zfogg/sidechain-sub009/pkg/conn"
	"github.com/zfogg/sidechain-sub009/pkg/exception"
	"github.com/zfogg/sidechain-sub009/pkg/websocket"
)

const (
	EnvPrefix            = "SIDECHAIN"
	DefaultStatsInterval = 30 * time.Second
)

// Settings is the resolved runtime configuration of the CLI.
type Settings struct {
	Client        websocket.Config
	Token         string
	Journal       JournalSettings
	Chaos         chaos.Config
	Pyroscope     string
	StatsInterval time.Duration
}

// JournalSettings selects where delivered messages are recorded. An empty
// Driver disables the journal.
type JournalSettings struct {
	Driver string
	DSN    string
	Path   string
}

// Enabled reports whether a journal was configured.
func (j JournalSettings) Enabled() bool {
	return j.Driver != ""
}

// Option converts the settings to a database option.
func (j JournalSettings) Option() conn.Option {
	return conn.Option{Driver: j.Driver, ConnString: j.DSN, Path: j.Path}
}

type flagBinding struct {
	key  string
	flag string
}

var _bindings = []flagBinding{
	{"config", "config"},
	{"preset", "preset"},
	{"host", "host"},
	{"port", "port"},
	{"path", "path"},
	{"tls", "tls"},
	{"token", "token"},
	{"connect_timeout", "connect-timeout"},
	{"heartbeat_interval", "heartbeat-interval"},
	{"write_timeout", "write-timeout"},
	{"reconnect_base_delay", "reconnect-base-delay"},
	{"reconnect_max_delay", "reconnect-max-delay"},
	{"reconnect_jitter", "reconnect-jitter"},
	{"max_reconnect_attempts", "max-reconnect-attempts"},
	{"queue_size", "queue-size"},
	{"stats_interval", "stats-interval"},
	{"journal.driver", "journal-driver"},
	{"journal.dsn", "journal-dsn"},
	{"journal.path", "journal-path"},
	{"chaos.seed", "chaos-seed"},
	{"chaos.dial_fail_rate", "chaos-dial-fail-rate"},
	{"chaos.drop_rate", "chaos-drop-rate"},
	{"chaos.duplicate_rate", "chaos-duplicate-rate"},
	{"chaos.max_delay", "chaos-max-delay"},
	{"chaos.close_after", "chaos-close-after"},
	{"pyroscope.address", "pyroscope-address"},
}

// NewFlagSet declares every setting as a flag. Flag defaults are zero values;
// the preset fills anything left unset.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (json, yaml or toml)")
	fs.String("preset", "development", "connection preset: development or production")
	fs.String("host", "", "server host")
	fs.Int("port", 0, "server port")
	fs.String("path", "", "websocket path")
	fs.Bool("tls", false, "use wss://")
	fs.String("token", "", "auth token")
	fs.Duration("connect-timeout", 0, "dial timeout")
	fs.Duration("heartbeat-interval", 0, "heartbeat interval")
	fs.Duration("write-timeout", 0, "write timeout")
	fs.Duration("reconnect-base-delay", 0, "first reconnect delay")
	fs.Duration("reconnect-max-delay", 0, "reconnect delay cap")
	fs.Float64("reconnect-jitter", 0, "reconnect delay jitter fraction (0-1)")
	fs.Int("max-reconnect-attempts", 0, "reconnect attempts, -1 for unlimited")
	fs.Int("queue-size", 0, "outbound queue bound")
	fs.Duration("stats-interval", DefaultStatsInterval, "stats print interval")
	fs.String("journal-driver", "", "journal database driver: postgres or sqlite")
	fs.String("journal-dsn", "", "journal connection string")
	fs.String("journal-path", "", "journal sqlite file")
	fs.Int64("chaos-seed", 0, "chaos rng seed")
	fs.Float64("chaos-dial-fail-rate", 0, "probability of a failed dial")
	fs.Float64("chaos-drop-rate", 0, "probability of dropping an inbound frame")
	fs.Float64("chaos-duplicate-rate", 0, "probability of duplicating an inbound frame")
	fs.Duration("chaos-max-delay", 0, "max inbound frame delay")
	fs.Int("chaos-close-after", 0, "abort each connection after n frames")
	fs.String("pyroscope-address", "", "pyroscope server address, empty disables profiling")
	return fs
}

// Load parses args and resolves settings from flags, SIDECHAIN_* env vars,
// an optional config file and the selected preset, in that order.
func Load(args []string) (Settings, error) {
	fs := NewFlagSet("sidechain-ws")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return Settings{}, err
		}
		return Settings{}, errors.Wrap(err, "parse flags")
	}
	return LoadFlags(fs)
}

// LoadFlags resolves settings from an already parsed flag set.
func LoadFlags(fs *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, b := range _bindings {
		flag := fs.Lookup(b.flag)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(b.key, flag); err != nil {
			return Settings{}, errors.Wrapf(err, "bind flag %s", b.flag)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	preset := v.GetString("preset")
	base, ok := websocket.Preset(preset)
	if !ok {
		return Settings{}, errors.Wrapf(exception.ErrInvalidConfig, "unknown preset: %q", preset)
	}
	setPresetDefaults(v, base)

	settings := Settings{
		Client: websocket.Config{
			Host:                 v.GetString("host"),
			Port:                 v.GetInt("port"),
			Path:                 v.GetString("path"),
			UseTLS:               v.GetBool("tls"),
			ConnectTimeout:       v.GetDuration("connect_timeout"),
			HeartbeatInterval:    v.GetDuration("heartbeat_interval"),
			WriteTimeout:         v.GetDuration("write_timeout"),
			ReconnectBaseDelay:   v.GetDuration("reconnect_base_delay"),
			ReconnectMaxDelay:    v.GetDuration("reconnect_max_delay"),
			ReconnectJitter:      v.GetFloat64("reconnect_jitter"),
			MaxReconnectAttempts: v.GetInt("max_reconnect_attempts"),
			MessageQueueMaxSize:  v.GetInt("queue_size"),
		},
		Token: v.GetString("token"),
		Journal: JournalSettings{
			Driver: v.GetString("journal.driver"),
			DSN:    v.GetString("journal.dsn"),
			Path:   v.GetString("journal.path"),
		},
		Chaos: chaos.Config{
			Seed:          v.GetInt64("chaos.seed"),
			DialFailRate:  v.GetFloat64("chaos.dial_fail_rate"),
			DropRate:      v.GetFloat64("chaos.drop_rate"),
			DuplicateRate: v.GetFloat64("chaos.duplicate_rate"),
			MaxDelay:      v.GetDuration("chaos.max_delay"),
			CloseAfter:    v.GetInt("chaos.close_after"),
		},
		Pyroscope:     v.GetString("pyroscope.address"),
		StatsInterval: v.GetDuration("stats_interval"),
	}

	if err := settings.Client.Validate(); err != nil {
		return Settings{}, err
	}
	if err := settings.Chaos.Validate(); err != nil {
		return Settings{}, err
	}
	if settings.StatsInterval <= 0 {
		settings.StatsInterval = DefaultStatsInterval
	}
	return settings, nil
}

func setPresetDefaults(v *viper.Viper, cfg websocket.Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("path", cfg.Path)
	v.SetDefault("tls", cfg.UseTLS)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("heartbeat_interval", cfg.HeartbeatInterval)
	v.SetDefault("write_timeout", cfg.WriteTimeout)
	v.SetDefault("reconnect_base_delay", cfg.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", cfg.ReconnectMaxDelay)
	v.SetDefault("reconnect_jitter", cfg.ReconnectJitter)
	v.SetDefault("max_reconnect_attempts", cfg.MaxReconnectAttempts)
	v.SetDefault("queue_size", cfg.MessageQueueMaxSize)
}
