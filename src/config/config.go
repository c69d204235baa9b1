package config

// Config layer for the mean-reversion backtester.
//
// Sources, lowest to highest priority:
// 1) built-in defaults (Default);
// 2) the first YAML file found on the search path;
// 3) a .env file next to the working directory, if present;
// 4) MRS_* environment variables.
// Validate runs last and fills a few derived defaults.
//
// Environment variables (prefix MRS_):
//   MRS_APP_NAME=mrs
//   MRS_APP_ENV=dev                    # dev|staging|prod
//
//   MRS_DATA_PRICES_PATH=./data/SPY.csv
//   MRS_DATA_TICKER=SPY
//   MRS_DATA_DATE_COLUMN=Date
//   MRS_DATA_CLOSE_COLUMN=             # empty: prefer "Adj Close", then "Close"
//   MRS_DATA_DATE_LAYOUT=2006-01-02
//
//   MRS_BACKTEST_INITIAL_CAPITAL=10000
//   MRS_BACKTEST_COST_PER_TRADE=0.001
//   MRS_BACKTEST_STOP_LOSS=-0.03
//   MRS_BACKTEST_TAKE_PROFIT=0.05
//
//   MRS_GRID_WINDOWS=10,20,30,50
//   MRS_GRID_Z_ENTRIES=1.0,1.5,2.0
//   MRS_GRID_Z_EXITS=0.3,0.5,0.7
//
//   MRS_SIGNAL_VOL_LOOKBACK=10
//   MRS_SIGNAL_VOL_QUANTILE=0.9
//   MRS_SIGNAL_VOL_MODE=full_sample    # full_sample|rolling
//   MRS_SIGNAL_VOL_ROLLING_WINDOW=252
//
//   MRS_OPTIMIZER_WORKERS=0            # 0: one per CPU
//
//   MRS_OUTPUT_DIR=./backtest_results
//   MRS_OUTPUT_ARROW=true
//
//   MRS_SERVER_ENABLE=false
//   MRS_SERVER_ADDR=:8080
//
//   MRS_LOG_LEVEL=info                 # debug|info|warn|error
//   MRS_LOG_JSON=false
//   MRS_LOG_FILE=
//
// Example YAML (configs/mrs.yaml):
// ---
// app:
//   name: mrs
//   env: dev
// data:
//   pricesPath: ./data/SPY.csv
//   ticker: SPY
// backtest:
//   initialCapital: 10000
//   costPerTrade: 0.001
//   stopLoss: -0.03
//   takeProfit: 0.05
// grid:
//   windows: [10, 20, 30, 50]
//   zEntries: [1.0, 1.5, 2.0]
//   zExits: [0.3, 0.5, 0.7]
// signal:
//   volMode: full_sample
// output:
//   dir: ./backtest_results
//   arrow: true
// logging:
//   level: info

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mrs/src/backtest"
	"mrs/src/optimize"
	"mrs/src/signal"
)

const envPrefix = "MRS_"

const (
	VolModeFullSample = "full_sample"
	VolModeRolling    = "rolling"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Data      DataConfig      `yaml:"data"`
	Backtest  backtest.Config `yaml:"backtest"`
	Grid      optimize.Grid   `yaml:"grid"`
	Signal    SignalConfig    `yaml:"signal"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Output    OutputConfig    `yaml:"output"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Source is the YAML file that was loaded, empty when running on defaults.
	Source string `yaml:"-"`
}

type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"` // dev|staging|prod
}

type DataConfig struct {
	PricesPath  string `yaml:"pricesPath"`
	Ticker      string `yaml:"ticker"`
	DateColumn  string `yaml:"dateColumn"`
	CloseColumn string `yaml:"closeColumn"` // empty: prefer adjusted close
	DateLayout  string `yaml:"dateLayout"`
}

type SignalConfig struct {
	VolLookback      int     `yaml:"volLookback"`
	VolQuantile      float64 `yaml:"volQuantile"`
	VolMode          string  `yaml:"volMode"` // full_sample|rolling
	VolRollingWindow int     `yaml:"volRollingWindow"`
}

type OptimizerConfig struct {
	Workers int `yaml:"workers"` // 0: runtime.NumCPU()
}

type OutputConfig struct {
	Dir   string `yaml:"dir"`
	Arrow bool   `yaml:"arrow"`
}

type ServerConfig struct {
	Enable bool   `yaml:"enable"`
	Addr   string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// ===================== API =====================

func Default() Config {
	return Config{
		App: AppConfig{Name: "mrs", Env: "dev"},
		Data: DataConfig{
			PricesPath: "./data/prices.csv",
			DateColumn: "Date",
			DateLayout: "2006-01-02",
		},
		Backtest: backtest.DefaultConfig(),
		Grid:     optimize.DefaultGrid(),
		Signal: SignalConfig{
			VolLookback:      10,
			VolQuantile:      0.9,
			VolMode:          VolModeFullSample,
			VolRollingWindow: 252,
		},
		Output:  OutputConfig{Dir: "./backtest_results", Arrow: true},
		Server:  ServerConfig{Enable: false, Addr: ":8080"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the first existing YAML file from paths (or the default search path), then
// applies .env and MRS_* overrides and validates. Missing files are not an error.
func Load(paths ...string) (*Config, error) {
	c := Default()

	if len(paths) == 0 {
		paths = []string{
			"./configs/mrs.yaml",
			"./mrs.yaml",
		}
	}

	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(p) {
			abs, _ = filepath.Abs(p)
		}
		if fi, err := os.Stat(abs); err == nil && !fi.IsDir() {
			b, err := os.ReadFile(abs)
			if err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("parse yaml %s: %w", abs, err)
			}
			c.Source = abs
			break
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	c.applyEnv(envPrefix)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app.name must not be empty")
	}
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	switch strings.ToLower(c.App.Env) {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("app.env invalid: %s (dev|staging|prod)", c.App.Env)
	}

	// Data
	if c.Data.PricesPath == "" {
		return errors.New("data.pricesPath must not be empty")
	}
	if c.Data.DateColumn == "" {
		c.Data.DateColumn = "Date"
	}
	if c.Data.DateLayout == "" {
		c.Data.DateLayout = "2006-01-02"
	}

	// Backtest
	if c.Backtest.InitialCapital == 0 {
		c.Backtest.InitialCapital = 10000
	}
	if err := c.Backtest.Validate(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	// Grid
	if len(c.Grid.Windows) == 0 || len(c.Grid.ZEntries) == 0 || len(c.Grid.ZExits) == 0 {
		return errors.New("grid.windows / grid.zEntries / grid.zExits need at least one value each")
	}

	// Signal
	if c.Signal.VolLookback < 2 {
		return fmt.Errorf("signal.volLookback must be >= 2, got %d", c.Signal.VolLookback)
	}
	if c.Signal.VolQuantile <= 0 || c.Signal.VolQuantile > 1 {
		return fmt.Errorf("signal.volQuantile must be in (0, 1], got %v", c.Signal.VolQuantile)
	}
	c.Signal.VolMode = strings.ToLower(c.Signal.VolMode)
	switch c.Signal.VolMode {
	case "":
		c.Signal.VolMode = VolModeFullSample
	case VolModeFullSample:
	case VolModeRolling:
		if c.Signal.VolRollingWindow < c.Signal.VolLookback {
			return fmt.Errorf("signal.volRollingWindow must be >= volLookback, got %d", c.Signal.VolRollingWindow)
		}
	default:
		return fmt.Errorf("signal.volMode invalid: %s (full_sample|rolling)", c.Signal.VolMode)
	}

	if c.Optimizer.Workers < 0 {
		return errors.New("optimizer.workers must not be negative")
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "./backtest_results"
	}
	if c.Server.Enable && c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
		if c.Logging.Level == "" {
			c.Logging.Level = "info"
		}
	default:
		return fmt.Errorf("logging.level invalid: %s", c.Logging.Level)
	}
	return nil
}

// VolatilityGate builds the gate selected by signal.volMode.
func (c *Config) VolatilityGate() signal.VolatilityGate {
	if c.Signal.VolMode == VolModeRolling {
		return signal.RollingGate{Lookback: c.Signal.VolLookback, Quantile: c.Signal.VolQuantile, Window: c.Signal.VolRollingWindow}
	}
	return signal.FullSampleGate{Lookback: c.Signal.VolLookback, Quantile: c.Signal.VolQuantile}
}

// ===================== Env overrides =====================

func (c *Config) applyEnv(prefix string) {
	// App
	c.App.Name = pickStr(os.Getenv(prefix+"APP_NAME"), c.App.Name)
	c.App.Env = pickStr(os.Getenv(prefix+"APP_ENV"), c.App.Env)

	// Data
	c.Data.PricesPath = pickStr(os.Getenv(prefix+"DATA_PRICES_PATH"), c.Data.PricesPath)
	c.Data.Ticker = pickStr(os.Getenv(prefix+"DATA_TICKER"), c.Data.Ticker)
	c.Data.DateColumn = pickStr(os.Getenv(prefix+"DATA_DATE_COLUMN"), c.Data.DateColumn)
	c.Data.CloseColumn = pickStr(os.Getenv(prefix+"DATA_CLOSE_COLUMN"), c.Data.CloseColumn)
	c.Data.DateLayout = pickStr(os.Getenv(prefix+"DATA_DATE_LAYOUT"), c.Data.DateLayout)

	// Backtest
	c.Backtest.InitialCapital = pickFloat(os.Getenv(prefix+"BACKTEST_INITIAL_CAPITAL"), c.Backtest.InitialCapital)
	c.Backtest.CostPerTrade = pickFloat(os.Getenv(prefix+"BACKTEST_COST_PER_TRADE"), c.Backtest.CostPerTrade)
	c.Backtest.StopLoss = pickFloat(os.Getenv(prefix+"BACKTEST_STOP_LOSS"), c.Backtest.StopLoss)
	c.Backtest.TakeProfit = pickFloat(os.Getenv(prefix+"BACKTEST_TAKE_PROFIT"), c.Backtest.TakeProfit)

	// Grid
	c.Grid.Windows = pickInts(os.Getenv(prefix+"GRID_WINDOWS"), c.Grid.Windows)
	c.Grid.ZEntries = pickFloats(os.Getenv(prefix+"GRID_Z_ENTRIES"), c.Grid.ZEntries)
	c.Grid.ZExits = pickFloats(os.Getenv(prefix+"GRID_Z_EXITS"), c.Grid.ZExits)

	// Signal
	c.Signal.VolLookback = pickInt(os.Getenv(prefix+"SIGNAL_VOL_LOOKBACK"), c.Signal.VolLookback)
	c.Signal.VolQuantile = pickFloat(os.Getenv(prefix+"SIGNAL_VOL_QUANTILE"), c.Signal.VolQuantile)
	c.Signal.VolMode = pickStr(os.Getenv(prefix+"SIGNAL_VOL_MODE"), c.Signal.VolMode)
	c.Signal.VolRollingWindow = pickInt(os.Getenv(prefix+"SIGNAL_VOL_ROLLING_WINDOW"), c.Signal.VolRollingWindow)

	c.Optimizer.Workers = pickInt(os.Getenv(prefix+"OPTIMIZER_WORKERS"), c.Optimizer.Workers)

	c.Output.Dir = pickStr(os.Getenv(prefix+"OUTPUT_DIR"), c.Output.Dir)
	c.Output.Arrow = pickBool(os.Getenv(prefix+"OUTPUT_ARROW"), c.Output.Arrow)

	c.Server.Enable = pickBool(os.Getenv(prefix+"SERVER_ENABLE"), c.Server.Enable)
	c.Server.Addr = pickStr(os.Getenv(prefix+"SERVER_ADDR"), c.Server.Addr)

	// Logging
	c.Logging.Level = pickStr(os.Getenv(prefix+"LOG_LEVEL"), c.Logging.Level)
	c.Logging.JSON = pickBool(os.Getenv(prefix+"LOG_JSON"), c.Logging.JSON)
	c.Logging.File = pickStr(os.Getenv(prefix+"LOG_FILE"), c.Logging.File)
}

// ===================== helpers =====================

func pickStr(env, cur string) string {
	if strings.TrimSpace(env) != "" {
		return strings.TrimSpace(env)
	}
	return cur
}

func pickInt(env string, cur int) int {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	if v, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
		return v
	}
	return cur
}

func pickFloat(env string, cur float64) float64 {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
		return v
	}
	return cur
}

func pickBool(env string, cur bool) bool {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	s := strings.ToLower(strings.TrimSpace(env))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// pickInts keeps cur unless every element of the list parses.
func pickInts(env string, cur []int) []int {
	parts := splitCSV(env)
	if len(parts) == 0 {
		return cur
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return cur
		}
		out = append(out, v)
	}
	return out
}

func pickFloats(env string, cur []float64) []float64 {
	parts := splitCSV(env)
	if len(parts) == 0 {
		return cur
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return cur
		}
		out = append(out, v)
	}
	return out
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
