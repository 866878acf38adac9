// Package config loads the broker's fixed runtime configuration,
// grounded on the teacher's options.go config struct: a JSON-tagged
// struct with flag-driven overrides, rather than a config package
// pulled from the wider ecosystem (the teacher never reaches for one,
// and the surface here is small enough that flag+json matches its
// idiom exactly).
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

// Config is the broker's full set of fixed knobs. Defaults match the
// broker's documented configuration; every field can be overridden by
// a JSON file or a flag of the same name. ConnBudgetByte and
// WorkerPollMS are parsed but not read by cmd/brokerd: no
// per-connection budget is enforced, and workers back off for a fixed
// second after an empty poll.
type Config struct {
	MQTTAddr       string `json:"mqtt_addr"`
	WebsocketAddr  string `json:"websocket_addr"`
	MetricsAddr    string `json:"metrics_addr"`
	WALPath        string `json:"wal_path"`
	ConnBudgetByte int64  `json:"conn_budget_bytes"`
	WorkerPollMS   int    `json:"worker_poll_ms"`
	WorkerCount    int    `json:"worker_count"`
}

// Default returns the broker's documented fixed configuration.
func Default() Config {
	return Config{
		MQTTAddr:       ":1883",
		WebsocketAddr:  ":8883",
		MetricsAddr:    ":8080",
		WALPath:        "persistence/backup.log",
		ConnBudgetByte: 5 * 1024 * 1024,
		WorkerPollMS:   1000,
		WorkerCount:    4,
	}
}

// Load reads args the same way the teacher's cmd/mqtt-server binaries
// do: flags are parsed first, then a JSON config file named by -config
// fills in every field whose flag was not set explicitly. Explicit flags
// take precedence over the file so a one-off override never requires
// editing the file.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("brokerd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a JSON config file")
	fs.StringVar(&cfg.MQTTAddr, "mqtt-addr", cfg.MQTTAddr, "MQTT listen address")
	fs.StringVar(&cfg.WebsocketAddr, "websocket-addr", cfg.WebsocketAddr, "MQTT-over-WebSocket listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus /metrics listen address")
	fs.StringVar(&cfg.WALPath, "wal-path", cfg.WALPath, "write-ahead log file path")
	fs.Int64Var(&cfg.ConnBudgetByte, "conn-budget-bytes", cfg.ConnBudgetByte, "per-connection memory budget in bytes")
	fs.IntVar(&cfg.WorkerPollMS, "worker-poll-ms", cfg.WorkerPollMS, "worker empty-poll backoff in milliseconds")
	fs.IntVar(&cfg.WorkerCount, "worker-count", cfg.WorkerCount, "number of worker goroutines")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configPath != "" {
		fileCfg, err := loadFile(*configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeFileOverFlags(fileCfg, cfg, fs)
	}
	return cfg, nil
}

func loadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// mergeFileOverFlags applies fileCfg's fields only where the
// corresponding flag was left at its default (not explicitly set on
// the command line), so an explicit flag always wins over the file.
func mergeFileOverFlags(fileCfg, flagCfg Config, fs *flag.FlagSet) Config {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	merged := flagCfg
	if !set["mqtt-addr"] && fileCfg.MQTTAddr != "" {
		merged.MQTTAddr = fileCfg.MQTTAddr
	}
	if !set["websocket-addr"] && fileCfg.WebsocketAddr != "" {
		merged.WebsocketAddr = fileCfg.WebsocketAddr
	}
	if !set["metrics-addr"] && fileCfg.MetricsAddr != "" {
		merged.MetricsAddr = fileCfg.MetricsAddr
	}
	if !set["wal-path"] && fileCfg.WALPath != "" {
		merged.WALPath = fileCfg.WALPath
	}
	if !set["conn-budget-bytes"] && fileCfg.ConnBudgetByte != 0 {
		merged.ConnBudgetByte = fileCfg.ConnBudgetByte
	}
	if !set["worker-poll-ms"] && fileCfg.WorkerPollMS != 0 {
		merged.WorkerPollMS = fileCfg.WorkerPollMS
	}
	if !set["worker-count"] && fileCfg.WorkerCount != 0 {
		merged.WorkerCount = fileCfg.WorkerCount
	}
	return merged
}
