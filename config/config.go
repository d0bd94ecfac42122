package config

import (
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"

	"github.com/partydesk/partydesk/pkg/common"
)

// BuildVersion is stamped at link time and reported by the /health endpoint.
var BuildVersion = "dev"

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
}

type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secret string `yaml:"secret" json:"secret"`
}

// WhatsAppConfig holds connection supervision tunables.
type WhatsAppConfig struct {
	// ReconnectBase and ReconnectMax bound the exponential backoff curve.
	ReconnectBase time.Duration `yaml:"reconnect_base" json:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max" json:"reconnect_max"`
	// LeaseTTL is the session lease validity; leases are renewed at half TTL.
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
}

// GuardConfig drives the deploy drift guard.
type GuardConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	HealthURL     string        `yaml:"health_url" json:"health_url"`
	ExpectedBuild string        `yaml:"expected_build" json:"expected_build"`
	Interval      time.Duration `yaml:"interval" json:"interval"`
	Threshold     time.Duration `yaml:"threshold" json:"threshold"`
}

// MonitorConfig drives quorum health consensus.
type MonitorConfig struct {
	MonitorID  string        `yaml:"monitor_id" json:"monitor_id"`
	VoteWindow time.Duration `yaml:"vote_window" json:"vote_window"`
	// Quorum of 0 means simple majority of voting monitors.
	Quorum   int           `yaml:"quorum" json:"quorum"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	// Services maps a service name to its health endpoint. An empty map
	// disables this instance's prober; consensus readouts still work.
	Services map[string]string `yaml:"services" json:"services"`
}

type RegionConfig struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

type FailoverConfig struct {
	Enabled   bool           `yaml:"enabled" json:"enabled"`
	Interval  time.Duration  `yaml:"interval" json:"interval"`
	Threshold int            `yaml:"threshold" json:"threshold"`
	Regions   []RegionConfig `yaml:"regions" json:"regions"`
}

type SmtpConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	From     string `yaml:"from" json:"from"`
	To       string `yaml:"to" json:"to"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system" json:"system"`
	Logger   LogConfig      `yaml:"logger" json:"logger"`
	Database DBConfig       `yaml:"database" json:"database"`
	Web      WebConfig      `yaml:"web" json:"web"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" json:"whatsapp"`
	Guard    GuardConfig    `yaml:"guard" json:"guard"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	Failover FailoverConfig `yaml:"failover" json:"failover"`
	Smtp     SmtpConfig     `yaml:"smtp" json:"smtp"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "partydesk",
		Location: "America/Argentina/Buenos_Aires",
		Workdir:  "/var/partydesk",
		Debug:    true,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/partydesk/partydesk.log",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "partydesk",
		User:     "postgres",
		MaxConn:  100,
		IdleConn: 10,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1816,
		Secret: "9b6de5cc-partydesk-0cc5-47bf-b979",
	},
	WhatsApp: WhatsAppConfig{
		ReconnectBase: 2 * time.Second,
		ReconnectMax:  5 * time.Minute,
		LeaseTTL:      60 * time.Second,
	},
	Guard: GuardConfig{
		Enabled:   false,
		Interval:  30 * time.Second,
		Threshold: 5 * time.Minute,
	},
	Monitor: MonitorConfig{
		MonitorID:  "default",
		VoteWindow: 30 * time.Second,
		Quorum:     0,
		Interval:   15 * time.Second,
	},
	Failover: FailoverConfig{
		Enabled:   false,
		Interval:  30 * time.Second,
		Threshold: 3,
	},
}

// LoadConfig reads the YAML config file and applies environment overrides.
// A missing file yields the defaults.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if common.FileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			panic(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			panic(err)
		}
	}
	setEnvValue("PARTYDESK_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvValue("PARTYDESK_DB_HOST", &cfg.Database.Host)
	setEnvValue("PARTYDESK_DB_NAME", &cfg.Database.Name)
	setEnvValue("PARTYDESK_DB_USER", &cfg.Database.User)
	setEnvValue("PARTYDESK_DB_PWD", &cfg.Database.Passwd)
	setEnvIntValue("PARTYDESK_DB_PORT", &cfg.Database.Port)
	setEnvValue("PARTYDESK_WEB_SECRET", &cfg.Web.Secret)
	setEnvIntValue("PARTYDESK_WEB_PORT", &cfg.Web.Port)
	setEnvValue("PARTYDESK_MONITOR_ID", &cfg.Monitor.MonitorID)
	setEnvValue("PARTYDESK_EXPECTED_BUILD", &cfg.Guard.ExpectedBuild)
	return cfg
}

func setEnvValue(name string, val *string) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = evalue
	}
}

func setEnvIntValue(name string, val *int) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = cast.ToInt(evalue)
	}
}
