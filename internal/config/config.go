package config

import (
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/acmeprobe/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultIntegrationTime = "0.000588"
	DefaultOversampling    = 1
	DefaultQueueDepth      = 8

	configEnvVar      = "ACMEPROBE_CONFIG"
	defaultConfigPath = "/etc"
	configName        = "acmeprobe"
)

// Config carries the capture options recognized by the tool. Flags override
// config-file values, which override defaults.
type Config struct {
	IP              string  `mapstructure:"ip"`
	Sim             bool    `mapstructure:"sim"`
	IntegrationTime string  `mapstructure:"inttime"`
	ListIntTimes    bool    `mapstructure:"list-inttimes"`
	Oversampling    int     `mapstructure:"oversmplrt"`
	Shunts          string  `mapstructure:"shunts"`
	Vbat            float64 `mapstructure:"vbat"`
	Ishunt          bool    `mapstructure:"ishunt"`
	VshuntScale     float64 `mapstructure:"vshunt-scale"`
	ForceScale      bool    `mapstructure:"force-vshunt-scale"`
	TimeOffset      float64 `mapstructure:"time-offset"`
	AbsoluteTime    bool    `mapstructure:"absolute-time"`
	Load            string  `mapstructure:"load"`
	Template        string  `mapstructure:"template"`
	Output          string  `mapstructure:"output"`
	QueueDepth      int     `mapstructure:"queue-depth"`
	Debug           bool    `mapstructure:"debug"`
	Verbose         bool    `mapstructure:"verbose"`
}

func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("acmeprobe", pflag.ContinueOnError)
	flags.String("ip", "", "Address of the ACME probe")
	flags.Bool("sim", false, "Use the built-in simulated probe instead of real hardware")
	flags.String("inttime", "", "Integration time to use instead of the default ("+DefaultIntegrationTime+"s)")
	flags.Bool("list-inttimes", false, "List the integration times accepted by the probe and exit")
	flags.Int("oversmplrt", DefaultOversampling, "Oversampling ratio to use instead of the default")
	flags.String("shunts", "", "Comma-separated shunt overrides in mOhms, one per channel starting at 0 (e.g. 100,50,250)")
	flags.Float64("vbat", 0, "Force a constant Vbat value (in volts) used for computing power")
	flags.Bool("ishunt", false, "Capture Ishunt only, skipping Vbat acquisition and power computation")
	flags.Float64("vshunt-scale", 0, "Override the Vshunt scale value reported by the probe")
	flags.Bool("force-vshunt-scale", false, "Proceed despite a suspicious Vshunt scale value")
	flags.Float64("time-offset", 0, "Display time offset in milliseconds")
	flags.Bool("absolute-time", false, "Use absolute device time instead of time relative to capture start")
	flags.String("load", "", "Load a .acme capture file (data and settings) and switch to display-only mode")
	flags.String("template", "", "Load only the settings section of a .acme or .yaml file to seed a new capture")
	flags.String("output", "", "Path the capture is saved to on exit")
	flags.Int("queue-depth", DefaultQueueDepth, "Raw batch queue depth between acquisition and compute")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")

	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetDefault("inttime", "")
	v.SetDefault("oversmplrt", DefaultOversampling)
	v.SetDefault("queue-depth", DefaultQueueDepth)

	if configPath := os.Getenv(configEnvVar); configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("toml")
		v.AddConfigPath(defaultConfigPath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Ishunt && c.Vbat > 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"--ishunt and --vbat are mutually exclusive")
	}
	if c.Oversampling < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value int
		}{"oversmplrt", c.Oversampling})
	}
	if c.QueueDepth < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value int
		}{"queue-depth", c.QueueDepth})
	}
	if _, err := c.ShuntOverrides(); err != nil {
		return err
	}

	return nil
}

// ShuntOverrides parses the --shunts list into per-channel overrides in mOhms.
// The list may be shorter than the channel count; missing entries mean no
// override for that channel.
func (c *Config) ShuntOverrides() ([]float64, error) {
	if c.Shunts == "" {
		return nil, nil
	}

	errFactory := errors.New()
	parts := strings.Split(c.Shunts, ",")
	overrides := make([]float64, 0, len(parts))
	for _, p := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || val < 0 {
			return nil, errFactory.WithData(errors.ErrInvalidConfig, struct {
				Field string
				Value string
			}{"shunts", p})
		}
		overrides = append(overrides, val)
	}

	return overrides, nil
}
