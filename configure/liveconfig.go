package configure

import (
	"bytes"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

/*
livego.yaml 예시

address: 0.0.0.0
port: 5000
stream_key: mystream
media_queue_size: 512
media_overflow: drop_oldest
output: /tmp/live.fifo
output_format: flv
jwt:
  secret: s3cret
  algorithm: HS256
*/

type JWT struct {
	Secret    string `mapstructure:"secret"`
	Algorithm string `mapstructure:"algorithm"`
}

type ServerCfg struct {
	Level            string `mapstructure:"level"`
	ConfigFile       string `mapstructure:"config_file"`
	Address          string `mapstructure:"address"`
	Port             int    `mapstructure:"port"`
	StreamKey        string `mapstructure:"stream_key"`
	EnableRTMPS      bool   `mapstructure:"enable_rtmps"`
	RTMPSCert        string `mapstructure:"rtmps_cert"`
	RTMPSKey         string `mapstructure:"rtmps_key"`
	ReadBufferSize   int    `mapstructure:"read_buffer_size"`
	ReadTimeout      int    `mapstructure:"read_timeout"`
	HandshakeTimeout int    `mapstructure:"handshake_timeout"`
	WriteTimeout     int    `mapstructure:"write_timeout"`
	MaxConnections   int    `mapstructure:"max_connections"`
	PollIntervalMs   int    `mapstructure:"poll_interval_ms"`
	MediaQueueSize   int    `mapstructure:"media_queue_size"`
	MediaOverflow    string `mapstructure:"media_overflow"`
	DropThreshold    int    `mapstructure:"drop_threshold"`
	Output           string `mapstructure:"output"`
	OutputFormat     string `mapstructure:"output_format"`
	APIAddr          string `mapstructure:"api_addr"`
	RedisAddr        string `mapstructure:"redis_addr"`
	RedisPwd         string `mapstructure:"redis_pwd"`
	JWT              JWT    `mapstructure:"jwt"`
}

// default config
var defaultConf = ServerCfg{
	Level:            "info",
	ConfigFile:       "livego.yaml",
	Address:          "0.0.0.0",
	Port:             5000,
	RTMPSCert:        "server.crt",
	RTMPSKey:         "server.key",
	ReadBufferSize:   4096,
	ReadTimeout:      10,
	HandshakeTimeout: 10,
	WriteTimeout:     10,
	PollIntervalMs:   5,
	MediaOverflow:    "drop_oldest",
	OutputFormat:     "flv",
	APIAddr:          ":8090",
	JWT: JWT{
		Algorithm: "HS256",
	},
}

const (
	minPort           = 1000
	minReadBufferSize = 128
)

// AddFlags 는 설정 키와 같은 이름의 플래그를 등록한다. Load 가 이 플래그들을 viper 에 바인딩한다.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("level", defaultConf.Level, "Log level")
	fs.String("config_file", defaultConf.ConfigFile, "configure filename")
	fs.String("address", defaultConf.Address, "RTMP listen address")
	fs.Int("port", defaultConf.Port, "RTMP listen port (>= 1000)")
	fs.String("stream_key", "", "accept only publishers using this stream key")
	fs.Bool("enable_rtmps", false, "enable server session RTMPS")
	fs.String("rtmps_cert", defaultConf.RTMPSCert, "cert file path required for RTMPS")
	fs.String("rtmps_key", defaultConf.RTMPSKey, "key file path required for RTMPS")
	fs.Int("read_buffer_size", defaultConf.ReadBufferSize, "per connection read buffer size")
	fs.Int("read_timeout", defaultConf.ReadTimeout, "idle read time out in seconds, 0 disables")
	fs.Int("handshake_timeout", defaultConf.HandshakeTimeout, "handshake time out in seconds, 0 disables")
	fs.Int("write_timeout", defaultConf.WriteTimeout, "write time out in seconds, 0 disables")
	fs.Int("max_connections", 0, "maximum concurrent connections, 0 is unlimited")
	fs.Int("poll_interval_ms", defaultConf.PollIntervalMs, "event loop idle wait in milliseconds")
	fs.Int("media_queue_size", 0, "media channel capacity, 0 is unbounded")
	fs.String("media_overflow", defaultConf.MediaOverflow, "media channel overflow policy: drop_oldest or drop_newest")
	fs.Int("drop_threshold", 0, "skip droppable media while this many items are queued, 0 disables")
	fs.String("output", "", "media output: '-' for stdout, a file or fifo path, empty discards")
	fs.String("output_format", defaultConf.OutputFormat, "media output format: flv, h264, aac or ts")
	fs.String("api_addr", defaultConf.APIAddr, "HTTP manage interface server listen address, empty disables")
	fs.String("redis_addr", "", "redis address for the shared publisher registry")
	fs.String("redis_pwd", "", "redis password")
}

// Load 는 기본값 -> 플래그 -> 설정 파일 -> 환경 변수 순으로 설정을 합친다.
// 설정 파일이 없으면 경고만 남기고 기본값으로 진행한다.
func Load(flags *pflag.FlagSet, l *log.Entry) (*ServerCfg, error) {
	config := viper.New()

	// Default config
	b, err := json.Marshal(defaultConf)
	if err != nil {
		return nil, errors.Wrap(err, "marshal default config")
	}
	defaults := viper.New()
	defaults.SetConfigType("json")
	if err := defaults.ReadConfig(bytes.NewReader(b)); err != nil {
		return nil, errors.Wrap(err, "read default config")
	}
	for k, v := range defaults.AllSettings() {
		config.SetDefault(k, v)
	}

	// Flags
	if flags != nil {
		if err := config.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}

	// File
	config.SetConfigFile(config.GetString("config_file"))
	config.AddConfigPath(".")
	if err := config.ReadInConfig(); err != nil {
		l.Warning(err)
		l.Info("Using default config")
	}

	// Environment
	replacer := strings.NewReplacer(".", "_")
	config.SetEnvKeyReplacer(replacer)
	config.AllowEmptyEnv(true)
	config.AutomaticEnv()

	c := &ServerCfg{}
	if err := config.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	l.Debugf("Current configurations: \n%# v", pretty.Formatter(*c))
	return c, nil
}

func (c *ServerCfg) Validate() error {
	if c.Port < minPort || c.Port > 65535 {
		return errors.Errorf("port %d out of range [%d, 65535]", c.Port, minPort)
	}
	if c.ReadBufferSize < minReadBufferSize {
		return errors.Errorf("read_buffer_size %d below %d", c.ReadBufferSize, minReadBufferSize)
	}
	if c.MediaQueueSize < 0 || c.MaxConnections < 0 || c.DropThreshold < 0 {
		return errors.New("media_queue_size, max_connections and drop_threshold must not be negative")
	}
	switch c.MediaOverflow {
	case "drop_oldest", "drop_newest":
	default:
		return errors.Errorf("invalid media_overflow %q", c.MediaOverflow)
	}
	switch c.OutputFormat {
	case "flv", "h264", "aac", "ts":
	default:
		return errors.Errorf("invalid output_format %q", c.OutputFormat)
	}
	if c.JWT.Secret != "" {
		switch c.JWT.Algorithm {
		case "HS256", "HS384", "HS512":
		default:
			return errors.Errorf("unsupported jwt algorithm %q", c.JWT.Algorithm)
		}
	}
	if c.EnableRTMPS && (c.RTMPSCert == "" || c.RTMPSKey == "") {
		return errors.New("enable_rtmps requires rtmps_cert and rtmps_key")
	}
	return nil
}

func (c *ServerCfg) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *ServerCfg) ReadTimeoutDuration() time.Duration      { return seconds(c.ReadTimeout) }
func (c *ServerCfg) HandshakeTimeoutDuration() time.Duration { return seconds(c.HandshakeTimeout) }
func (c *ServerCfg) WriteTimeoutDuration() time.Duration     { return seconds(c.WriteTimeout) }

func (c *ServerCfg) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// LogLevel 은 level 설정을 logrus 레벨로 바꾼다. 잘못된 값이면 info 를 쓴다.
func (c *ServerCfg) LogLevel() log.Level {
	if l, err := log.ParseLevel(c.Level); err == nil {
		return l
	}
	return log.InfoLevel
}
