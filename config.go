package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"botfleet/service"
	"botfleet/shared"

	"github.com/joho/godotenv"
)

// Default bot risk parameters applied when not configured.
const (
	defaultCapital          = 10000
	defaultRiskPerTrade     = 0.02
	defaultMaxPositionSize  = 0.5
	defaultDrawdownGuardPct = 0.2
	defaultStopLossPct      = 0.05
	defaultFeeRate          = 0.001
)

// Config is the configuration struct for the service.
type Config struct {
	// FeedURL is the exchange stream url.
	FeedURL string
	// RedisAddr is the candle cache backing store address.
	RedisAddr string
	// DatabaseEndpoint is the trade persistence endpoint.
	DatabaseEndpoint string
	// DatabaseUser is the database user.
	DatabaseUser string
	// DatabasePass is the database user pass.
	DatabasePass string
	// Bots are the bot definitions, formed as id:symbol:interval:strategy.
	Bots []string
	// AutoStart starts the configured bots immediately.
	AutoStart bool
	// ForceCloseOnStop closes open positions when a bot is stopped.
	ForceCloseOnStop bool

	registeredFlags map[string]bool
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.FeedURL == "" {
		errs = errors.Join(errs, fmt.Errorf("feed url cannot be an empty string"))
	}
	if len(cfg.Bots) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no bots provided for botfleet service"))
	}
	for idx := range cfg.Bots {
		_, err := parseBotSpec(cfg.Bots[idx])
		if err != nil {
			errs = errors.Join(errs, err)
		}
	}

	return errs
}

// parseBotSpec parses a bot definition formed as id:symbol:interval:strategy.
func parseBotSpec(def string) (service.BotSpec, error) {
	fields := strings.Split(def, ":")
	if len(fields) != 4 {
		return service.BotSpec{}, fmt.Errorf("bot definition %q must be formed as id:symbol:interval:strategy", def)
	}

	interval, err := shared.ParseInterval(fields[2])
	if err != nil {
		return service.BotSpec{}, fmt.Errorf("bot definition %q: %w", def, err)
	}

	return service.BotSpec{
		ID:          fields[0],
		Symbol:      fields[1],
		Interval:    interval,
		StrategyRef: fields[3],
	}, nil
}

// botSpecs parses all configured bot definitions.
func (cfg *Config) botSpecs() ([]service.BotSpec, error) {
	specs := make([]service.BotSpec, 0, len(cfg.Bots))
	for idx := range cfg.Bots {
		spec, err := parseBotSpec(cfg.Bots[idx])
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
func (cfg *Config) registerFlag(name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch val.Elem().Kind() {
	case reflect.String:
		flag.StringVar(value.(*string), name, defValue, usage)
	case reflect.Bool:
		var def bool
		if defValue != "" {
			def, _ = strconv.ParseBool(defValue)
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case reflect.Int:
		var def int
		if defValue != "" {
			def, _ = strconv.Atoi(defValue)
		}
		flag.IntVar(value.(*int), name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() == reflect.String {
			var def []string
			if defValue != "" {
				def = strings.Split(defValue, ",")
			}
			flag.Func(name, usage, func(s string) error {
				*value.(*[]string) = strings.Split(s, ",")
				return nil
			})
			// Set default if not provided via flag
			if len(def) > 0 {
				*value.(*[]string) = def
			}
		} else {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads the configuration from environment variables and command line flags.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	// Register command line arguments using loaded environment variables as defaults.
	err = cfg.registerFlag("feedurl", &cfg.FeedURL, "the exchange stream url")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("redisaddr", &cfg.RedisAddr, "the candle cache backing store address")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbendpoint", &cfg.DatabaseEndpoint, "the trade persistence endpoint")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbuser", &cfg.DatabaseUser, "the database user")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbpass", &cfg.DatabasePass, "the database user pass")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("bots", &cfg.Bots, "the bot definitions, formed as id:symbol:interval:strategy")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("autostart", &cfg.AutoStart, "start the configured bots immediately")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("forcecloseonstop", &cfg.ForceCloseOnStop, "close open positions when a bot is stopped")
	if err != nil {
		return err
	}

	// Parse command-line flags.
	flag.Parse()

	return cfg.Validate()
}
