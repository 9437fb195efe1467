package config

import (
	"flag"
	"time"
)

// flagSet wraps a flag.FlagSet so flags override the environment only when
// explicitly set on the command line.
type flagSet struct {
	fs  *flag.FlagSet
	cfg *Config

	mode          string
	addr          string
	authToken     string
	storage       string
	stateDir      string
	redisURL      string
	checkInterval time.Duration
	maxConcurrent int
	logLevel      string
	logFile       string
	webhookURL    string
	shutdownGrace time.Duration
}

func newFlagSet(cfg *Config) *flagSet {
	f := &flagSet{fs: flag.NewFlagSet("jobtabd", flag.ContinueOnError), cfg: cfg}
	f.fs.StringVar(&f.mode, "mode", "", "run mode: http, mcp or both")
	f.fs.StringVar(&f.addr, "addr", "", "HTTP listen address")
	f.fs.StringVar(&f.authToken, "auth-token", "", "bearer token required by the HTTP API")
	f.fs.StringVar(&f.storage, "storage", "", "storage backend: json, sqlite or redis")
	f.fs.StringVar(&f.stateDir, "state-dir", "", "directory for task files and the sqlite database")
	f.fs.StringVar(&f.redisURL, "redis-url", "", "redis connection URL")
	f.fs.DurationVar(&f.checkInterval, "check-interval", 0, "scheduler tick interval")
	f.fs.IntVar(&f.maxConcurrent, "max-concurrent", 0, "maximum concurrent task executions")
	f.fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	f.fs.StringVar(&f.logFile, "log-file", "", "rotated JSON log file path")
	f.fs.StringVar(&f.webhookURL, "webhook-url", "", "failure notification webhook URL")
	f.fs.DurationVar(&f.shutdownGrace, "shutdown-grace", 0, "grace period when shutting down")
	return f
}

func (f *flagSet) parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "mode":
			f.cfg.Mode = f.mode
		case "addr":
			f.cfg.Server.Addr = f.addr
		case "auth-token":
			f.cfg.Server.AuthToken = f.authToken
		case "storage":
			f.cfg.Storage.Backend = f.storage
		case "state-dir":
			f.cfg.Storage.StateDir = f.stateDir
		case "redis-url":
			f.cfg.Storage.RedisURL = f.redisURL
		case "check-interval":
			f.cfg.Scheduler.CheckInterval = f.checkInterval
		case "max-concurrent":
			f.cfg.Scheduler.MaxConcurrent = f.maxConcurrent
		case "log-level":
			f.cfg.Log.Level = f.logLevel
		case "log-file":
			f.cfg.Log.File = f.logFile
		case "webhook-url":
			f.cfg.Notify.WebhookURL = f.webhookURL
		case "shutdown-grace":
			f.cfg.ShutdownGrace = f.shutdownGrace
		}
	})
	return nil
}
