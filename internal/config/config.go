// Package config はYAMLの設定ファイルを読み込む.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// リスナーの種類
const (
	ProtocolHTTP     = "http"
	ProtocolHTTPS    = "https"
	ProtocolAJP      = "ajp"
	ProtocolServlet  = "servlet"
	ProtocolFastHTTP = "fasthttp"
)

var protocols = map[string]bool{
	ProtocolHTTP:     true,
	ProtocolHTTPS:    true,
	ProtocolAJP:      true,
	ProtocolServlet:  true,
	ProtocolFastHTTP: true,
}

// Config は設定ファイル全体.
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Redirects []RedirectConfig `yaml:"redirects"`
	SQL       *SQLConfig       `yaml:"sql"`
	Access    AccessConfig     `yaml:"access"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// ListenerConfig は1つの待ち受け.
type ListenerConfig struct {
	Name           string        `yaml:"name"`
	Protocol       string        `yaml:"protocol"`
	Address        string        `yaml:"address"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// RedirectConfig はパスパターンとバックエンドの対応.
type RedirectConfig struct {
	Pattern     string            `yaml:"pattern"`
	Target      string            `yaml:"target"`
	StripPrefix string            `yaml:"strip_prefix"`
	Properties  map[string]string `yaml:"properties"`
}

// SQLConfig はSQLハンドラーのマウント位置.
type SQLConfig struct {
	Pattern    string `yaml:"pattern"`
	DefaultURI string `yaml:"default_uri"`
}

// AccessConfig はブロックリストの設定.
type AccessConfig struct {
	File          string        `yaml:"file"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// LogConfig はログファイルの設定.
type LogConfig struct {
	Dir        string        `yaml:"dir"`
	File       string        `yaml:"file"`
	Level      string        `yaml:"level"`
	MaxSize    int64         `yaml:"max_size"`
	MaxAge     time.Duration `yaml:"max_age"`
	MaxBackups int           `yaml:"max_backups"`
	Stdout     bool          `yaml:"stdout"`
}

// MetricsConfig はメトリクスの保存設定.
type MetricsConfig struct {
	// File が空ならログディレクトリのmetrics.json.
	File         string        `yaml:"file"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

// Default は設定ファイルが無い場合の設定.
func Default() *Config {
	return &Config{
		Listeners: []ListenerConfig{{
			Name:        "default",
			Protocol:    ProtocolHTTP,
			Address:     ":8182",
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 2 * time.Minute,
		}},
		Access: AccessConfig{
			File:          "configs/blocked.yaml",
			WatchInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Dir:        "./logs",
			File:       "connector.log",
			Level:      "INFO",
			MaxSize:    100 * 1024 * 1024,
			MaxAge:     7 * 24 * time.Hour,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			SaveInterval: time.Minute,
		},
	}
}

// Load はpathの設定を既定値の上に読み込み, 検証する.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// Parse はYAMLを既定値の上に読み込み, 検証する. 未知のキーはエラー.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	listeners := cfg.Listeners

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	cfg.Listeners = nil
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "parsing config")
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = listeners
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定の整合性を検査し, 省略された名前を補う.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for i := range c.Listeners {
		l := &c.Listeners[i]
		l.Protocol = strings.ToLower(l.Protocol)
		if l.Protocol == "" {
			l.Protocol = ProtocolHTTP
		}
		if !protocols[l.Protocol] {
			return errors.Errorf("listener %d: unknown protocol %q", i, l.Protocol)
		}
		if l.Address == "" {
			return errors.Errorf("listener %d: address is required", i)
		}
		if l.Protocol == ProtocolHTTPS && (l.CertFile == "" || l.KeyFile == "") {
			return errors.Errorf("listener %d: https requires cert_file and key_file", i)
		}
		if l.Name == "" {
			l.Name = l.Protocol + "-" + l.Address
		}
		if names[l.Name] {
			return errors.Errorf("duplicate listener name %q", l.Name)
		}
		names[l.Name] = true
	}

	for i, r := range c.Redirects {
		if r.Pattern == "" || r.Target == "" {
			return errors.Errorf("redirect %d: pattern and target are required", i)
		}
		if !strings.HasPrefix(r.Target, "tcp://") {
			return errors.Errorf("redirect %d: target %q must use tcp://", i, r.Target)
		}
	}

	if c.SQL != nil && c.SQL.Pattern == "" {
		c.SQL.Pattern = "/sql"
	}

	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
		c.Log.Level = strings.ToUpper(c.Log.Level)
	default:
		return errors.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
