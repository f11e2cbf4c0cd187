package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr    string
	DBPath        string
	ControlSocket string
	LogLevel      string
	LogRingSize   int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	// Client-core policy knobs, served to embedded clients.
	RingTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	HistoryLimit int
}

// SetDefaults registers every known key so Load never sees a zero value.
// Keys are overridable by OBSCOMM_* environment variables and CLI flags.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":3215")
	v.SetDefault("db", "obscomm.db")
	v.SetDefault("control-socket", "/tmp/obscomm.sock")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-ring-size", 64*1024)
	v.SetDefault("read-timeout", 120*time.Second)
	v.SetDefault("write-timeout", 30*time.Second)
	v.SetDefault("ping-interval", 30*time.Second)
	v.SetDefault("ring-timeout", 30*time.Second)
	v.SetDefault("reconnect-base", time.Second)
	v.SetDefault("reconnect-max", 30*time.Second)
	v.SetDefault("history-limit", 1000)
}

func Load(v *viper.Viper) *Config {
	return &Config{
		ListenAddr:    v.GetString("listen"),
		DBPath:        v.GetString("db"),
		ControlSocket: v.GetString("control-socket"),
		LogLevel:      v.GetString("log-level"),
		LogRingSize:   v.GetInt("log-ring-size"),
		ReadTimeout:   v.GetDuration("read-timeout"),
		WriteTimeout:  v.GetDuration("write-timeout"),
		PingInterval:  v.GetDuration("ping-interval"),
		RingTimeout:   v.GetDuration("ring-timeout"),
		ReconnectBase: v.GetDuration("reconnect-base"),
		ReconnectMax:  v.GetDuration("reconnect-max"),
		HistoryLimit:  v.GetInt("history-limit"),
	}
}
