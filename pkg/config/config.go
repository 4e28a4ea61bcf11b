package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"sbc-server/pkg/errors"
	"sbc-server/pkg/relay"
	"sbc-server/pkg/util"
)

const (
	// MediaAddrAuto advertises the signalling address in rewritten SDP
	MediaAddrAuto = "auto"
	// MediaAddrSTUN advertises the address discovered through STUN
	MediaAddrSTUN = "stun"
)

// Config represents the complete application configuration
type Config struct {
	SIP     SIPConfig     `json:"sip"`
	Media   MediaConfig   `json:"media"`
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
}

// SIPConfig holds signalling configuration
type SIPConfig struct {
	Host      string `json:"host" env:"SIP_HOST" default:"0.0.0.0"`
	Port      int    `json:"port" env:"SIP_PORT" default:"5060"`
	Transport string `json:"transport" env:"SIP_TRANSPORT" default:"udp"`
	// AdvertisedHost is put in mangled URIs, Via and Record-Route
	AdvertisedHost string `json:"advertised_host" env:"SIP_ADVERTISED_HOST"`
	// LocalHosts are additional names this node answers to
	LocalHosts []string `json:"local_hosts" env:"SIP_LOCAL_HOSTS"`

	BackendProxy        string        `json:"backend_proxy" env:"BACKEND_PROXY"`
	BindingTimeout      time.Duration `json:"binding_timeout" env:"BINDING_TIMEOUT" default:"180s"`
	KeepAliveTime       time.Duration `json:"keepalive_time" env:"KEEPALIVE_TIME" default:"0"`
	KeepAliveAggressive bool          `json:"keepalive_aggressive" env:"KEEPALIVE_AGGRESSIVE" default:"false"`
}

// MediaConfig holds media gateway and relay configuration
type MediaConfig struct {
	// Address is MEDIA_ADDR as configured: auto, stun or an IP address
	Address     string   `json:"address" env:"MEDIA_ADDR" default:"auto"`
	STUNServers []string `json:"stun_servers" env:"STUN_SERVER"`
	PortMin     int      `json:"port_min" env:"MEDIA_PORT_MIN" default:"40000"`
	PortMax     int      `json:"port_max" env:"MEDIA_PORT_MAX" default:"49999"`

	RelayTimeout    time.Duration `json:"relay_timeout" env:"RELAY_TIMEOUT" default:"60s"`
	HandoverTime    time.Duration `json:"handover_time" env:"HANDOVER_TIME" default:"0"`
	HalfCallTimeout time.Duration `json:"half_call_timeout" env:"HALF_CALL_TIMEOUT" default:"5m"`
	InterPacketTime time.Duration `json:"interpacket_time" env:"INTERPACKET_TIME" default:"0"`
	ShapeEgress     bool          `json:"shape_egress" env:"SHAPE_EGRESS" default:"false"`

	DoInterception       bool   `json:"do_interception" env:"DO_INTERCEPTION" default:"false"`
	DoActiveInterception bool   `json:"do_active_interception" env:"DO_ACTIVE_INTERCEPTION" default:"false"`
	SinkAddr             string `json:"sink_addr" env:"SINK_ADDR"`
	SinkPort             int    `json:"sink_port" env:"SINK_PORT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"LOG_FORMAT" default:"json"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"METRICS_ENABLED" default:"false"`
	Port    int  `json:"port" env:"METRICS_PORT" default:"9090"`
}

// Load reads the configuration from the environment, after loading the
// first .env file found
func Load(logger *logrus.Logger) (*Config, error) {
	loadEnvFile(logger)

	config := &Config{}
	if err := loadSIPConfig(logger, &config.SIP); err != nil {
		return nil, errors.Wrap(err, "failed to load SIP configuration")
	}
	if err := loadMediaConfig(logger, &config.Media); err != nil {
		return nil, errors.Wrap(err, "failed to load media configuration")
	}
	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}
	loadMetricsConfig(&config.Metrics)

	if err := validateConfig(logger, config); err != nil {
		return nil, err
	}
	return config, nil
}

func loadEnvFile(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		if err := godotenv.Load(envFile); err != nil {
			logger.WithError(err).WithField("path", absPath).Warn("Failed to load .env file")
			continue
		}
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        absPath,
		}).Info("Successfully loaded .env file")
		return
	}
	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
}

func loadSIPConfig(logger *logrus.Logger, config *SIPConfig) error {
	config.Host = getEnv("SIP_HOST", "0.0.0.0")
	config.Port = getEnvInt("SIP_PORT", 5060)
	config.Transport = strings.ToLower(getEnv("SIP_TRANSPORT", "udp"))
	config.AdvertisedHost = getEnv("SIP_ADVERTISED_HOST", "")
	config.LocalHosts = getEnvList("SIP_LOCAL_HOSTS")

	if config.AdvertisedHost == "" {
		config.AdvertisedHost = config.Host
		if isAnyAddress(config.Host) {
			config.AdvertisedHost = getInternalIP(logger)
		}
	}

	config.BackendProxy = getEnv("BACKEND_PROXY", "")
	config.BindingTimeout = getEnvDuration("BINDING_TIMEOUT", 180*time.Second)
	config.KeepAliveTime = getEnvDuration("KEEPALIVE_TIME", 0)
	config.KeepAliveAggressive = getEnvBool("KEEPALIVE_AGGRESSIVE", false)
	return nil
}

func loadMediaConfig(logger *logrus.Logger, config *MediaConfig) error {
	config.Address = getEnv("MEDIA_ADDR", MediaAddrAuto)
	config.STUNServers = getEnvList("STUN_SERVER")
	config.PortMin = getEnvInt("MEDIA_PORT_MIN", 40000)
	config.PortMax = getEnvInt("MEDIA_PORT_MAX", 49999)

	config.RelayTimeout = getEnvDuration("RELAY_TIMEOUT", 60*time.Second)
	config.HandoverTime = getEnvDuration("HANDOVER_TIME", 0)
	config.HalfCallTimeout = getEnvDuration("HALF_CALL_TIMEOUT", 5*time.Minute)
	config.InterPacketTime = getEnvDuration("INTERPACKET_TIME", 0)
	config.ShapeEgress = getEnvBool("SHAPE_EGRESS", false)

	config.DoInterception = getEnvBool("DO_INTERCEPTION", false)
	config.DoActiveInterception = getEnvBool("DO_ACTIVE_INTERCEPTION", false)
	config.SinkAddr = getEnv("SINK_ADDR", "")
	config.SinkPort = getEnvInt("SINK_PORT", 0)

	if config.ShapeEgress && config.InterPacketTime == 0 {
		logger.Warn("SHAPE_EGRESS has no effect without INTERPACKET_TIME")
	}
	return nil
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
	return nil
}

func loadMetricsConfig(config *MetricsConfig) {
	config.Enabled = getEnvBool("METRICS_ENABLED", false)
	config.Port = getEnvInt("METRICS_PORT", 9090)
}

func validateConfig(logger *logrus.Logger, config *Config) error {
	if config.SIP.Port <= 0 || config.SIP.Port > 65535 {
		return invalid("SIP_PORT", config.SIP.Port, "must be between 1 and 65535")
	}
	if config.SIP.Transport != "udp" && config.SIP.Transport != "tcp" {
		return invalid("SIP_TRANSPORT", config.SIP.Transport, "must be 'udp' or 'tcp'")
	}
	if config.SIP.BackendProxy != "" {
		if _, err := util.ParsePeerAddress(config.SIP.BackendProxy); err != nil {
			return invalid("BACKEND_PROXY", config.SIP.BackendProxy, "must be host:port")
		}
	}
	if config.SIP.BindingTimeout < 0 || config.SIP.KeepAliveTime < 0 {
		return invalid("BINDING_TIMEOUT/KEEPALIVE_TIME", "", "must not be negative")
	}
	if config.SIP.KeepAliveAggressive && config.SIP.KeepAliveTime == 0 {
		logger.Warn("KEEPALIVE_AGGRESSIVE has no effect without KEEPALIVE_TIME")
	}

	media := config.Media
	if media.PortMin <= 0 || media.PortMax > 65535 || media.PortMax <= media.PortMin {
		return invalid("MEDIA_PORT_MIN/MEDIA_PORT_MAX", fmt.Sprintf("%d-%d", media.PortMin, media.PortMax),
			"MEDIA_PORT_MAX must be greater than MEDIA_PORT_MIN")
	}
	if media.RelayTimeout < 0 || media.HandoverTime < 0 || media.HalfCallTimeout < 0 || media.InterPacketTime < 0 {
		return invalid("media timers", "", "must not be negative")
	}
	if media.Address != MediaAddrAuto && media.Address != MediaAddrSTUN && media.Address != "" {
		if net.ParseIP(media.Address) == nil {
			return invalid("MEDIA_ADDR", media.Address, "must be 'auto', 'stun' or an IP address")
		}
	}
	if media.DoActiveInterception && !media.DoInterception {
		logger.Warn("DO_ACTIVE_INTERCEPTION implies DO_INTERCEPTION")
	}
	if media.DoInterception || media.DoActiveInterception {
		if media.SinkAddr == "" || media.SinkPort <= 0 || media.SinkPort > 65535 {
			return invalid("SINK_ADDR/SINK_PORT", fmt.Sprintf("%s:%d", media.SinkAddr, media.SinkPort),
				"interception requires a sink address and port")
		}
	}

	if config.Metrics.Enabled && config.Metrics.Port == config.SIP.Port {
		return invalid("METRICS_PORT", config.Metrics.Port, "conflicts with SIP_PORT")
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}
	return nil
}

func invalid(option string, value interface{}, reason string) error {
	return errors.Wrap(errors.ErrInvalidConfig, reason).
		WithField("option", option).
		WithField("value", value)
}

// BackendProxyAddress returns the parsed BACKEND_PROXY, zero when unset
func (c *SIPConfig) BackendProxyAddress() util.PeerAddress {
	if c.BackendProxy == "" {
		return util.PeerAddress{}
	}
	addr, err := util.ParsePeerAddress(c.BackendProxy)
	if err != nil {
		return util.PeerAddress{}
	}
	return addr
}

// ListenAddress is the host:port the SIP server binds to
func (c *SIPConfig) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UsesSTUN reports whether the media address is discovered through STUN
func (m *MediaConfig) UsesSTUN() bool {
	return strings.EqualFold(m.Address, MediaAddrSTUN)
}

// ResolveMediaAddress returns the address to advertise in SDP. An unset,
// auto or any address falls back to the signalling address.
func (m *MediaConfig) ResolveMediaAddress(signalling string) string {
	if m.Address == "" || strings.EqualFold(m.Address, MediaAddrAuto) || m.UsesSTUN() || isAnyAddress(m.Address) {
		return signalling
	}
	return m.Address
}

// Policy returns the relay variant selected by the configuration
func (m *MediaConfig) Policy() relay.TransportPolicy {
	policy := relay.TransportPolicy{
		InterPacketTime: m.InterPacketTime,
		ShapeEgress:     m.ShapeEgress,
	}
	if m.DoInterception || m.DoActiveInterception {
		policy.Interception = &relay.Interception{
			Sink:   util.NewPeerAddress(m.SinkAddr, m.SinkPort),
			Active: m.DoActiveInterception,
		}
	}
	return policy
}

// ApplyLogging applies the logging configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}
	return nil
}

func isAnyAddress(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvDuration accepts a Go duration or a plain integer of milliseconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// getInternalIP returns the first non-loopback IPv4 address of this host
func getInternalIP(logger *logrus.Logger) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.WithError(err).Warn("Failed to list interface addresses")
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}
