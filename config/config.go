package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

const (
	AppName     = "odio-portal"
	AppVersion  = "0.1.0"
	serviceType = "_http._tcp"
	domain      = "local."
	envPrefix   = "ODIO_PORTAL"
)

type Config struct {
	Bus       *BusConfig
	Broker    *BrokerConfig
	Tokens    *TokenConfig
	Api       *ApiConfig
	Zeroconf  *ZeroConfig
	LogLevel  logger.Level
	LogLevels map[string]logger.Level
}

type BusConfig struct {
	Enabled bool
	// Address of the bus to own the portal name on; empty means the session bus.
	Address string
	Name    string
	Replace bool
}

// BrokerConfig is the policy standing in for the permission dialog.
type BrokerConfig struct {
	ResponseDelay   time.Duration
	CallLogSize     int
	HandoffGreeting string

	RemoteDesktop *RemoteDesktopConfig
	ScreenCast    *ScreenCastConfig
	InputCapture  *InputCaptureConfig
	Wallpaper     *WallpaperConfig
	Notification  *NotificationConfig
}

type RemoteDesktopConfig struct {
	Enabled     bool
	Version     uint32
	DeviceTypes portal.DeviceType
	MaxPersist  portal.PersistMode
	Response    portal.ResponseStatus
}

type ScreenCastConfig struct {
	Enabled     bool
	Version     uint32
	SourceTypes portal.SourceType
	CursorModes portal.CursorMode
	StreamNodes []uint32
	MaxPersist  portal.PersistMode
	Response    portal.ResponseStatus
}

type InputCaptureConfig struct {
	Enabled      bool
	Version      uint32
	Capabilities portal.Capability
	Response     portal.ResponseStatus

	ZoneSet      uint32
	Zones        []portal.Region
	ChangedZones []portal.Region
	// OmitZoneSet and OmitZones make GetZones answer without that field.
	OmitZoneSet bool
	OmitZones   bool

	FailedBarriers []uint32

	ChangeZonesAfter  time.Duration
	ActivatedAfter    time.Duration
	DeactivatedAfter  time.Duration
	DisabledAfter     time.Duration
	CloseAfterEnable  time.Duration
	ActivatedBarrier  uint32
	ActivatedPosition [2]float64
}

type WallpaperConfig struct {
	Enabled  bool
	Version  uint32
	Response portal.ResponseStatus
}

type NotificationConfig struct {
	Enabled bool
	Version uint32
}

type TokenConfig struct {
	Backend     string
	TTL         time.Duration
	File        string
	RedisAddr   string
	RedisPrefix string
}

type ApiConfig struct {
	Enabled bool
	Port    int
	Listens []string
	CORS    *CORSConfig
}

type CORSConfig struct {
	Origins []string
}

type ZeroConfig struct {
	Enabled      bool
	InstanceName string
	ServiceType  string
	Domain       string
	Port         int
	TxtRecords   []string
	Listen       []net.Interface
}

// parseResponse converts a configured response name to a status.
func parseResponse(s string) (portal.ResponseStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "success", "allow":
		return portal.ResponseSuccess, nil
	case "cancelled", "cancel", "deny":
		return portal.ResponseCancelled, nil
	case "other", "fail", "error":
		return portal.ResponseOther, nil
	default:
		return 0, fmt.Errorf("invalid response %q", s)
	}
}

func parsePersist(s string) (portal.PersistMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return portal.PersistNone, nil
	case "transient":
		return portal.PersistTransient, nil
	case "permanent":
		return portal.PersistPermanent, nil
	default:
		return 0, fmt.Errorf("invalid persist mode %q", s)
	}
}

func parseLogLevels(raw map[string]string) map[string]logger.Level {
	levels := make(map[string]logger.Level, len(raw))
	for component, lvl := range raw {
		levels[component] = logger.ParseLevel(lvl)
	}
	return levels
}

func interfaceForIP(ip string) (*net.Interface, error) {
	if ip == "127.0.0.1" {
		return nil, nil
	}
	listenIP := net.ParseIP(ip)
	if listenIP == nil {
		return nil, fmt.Errorf("invalid bind: %s", ip)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		iface := iface
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ifaceIP net.IP

			switch v := addr.(type) {
			case *net.IPNet:
				ifaceIP = v.IP
			case *net.IPAddr:
				ifaceIP = v.IP
			}

			if ifaceIP != nil && ifaceIP.Equal(listenIP) {
				return &iface, nil
			}
		}
	}

	return nil, fmt.Errorf("no interface found for IP %s", ip)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.enabled", true)
	v.SetDefault("bus.address", "")
	v.SetDefault("bus.name", portal.BusName)
	v.SetDefault("bus.replace", false)

	v.SetDefault("broker.response_delay", "0s")
	v.SetDefault("broker.call_log_size", 256)
	v.SetDefault("broker.handoff_greeting", "")

	v.SetDefault("remotedesktop.enabled", true)
	v.SetDefault("remotedesktop.version", 2)
	v.SetDefault("remotedesktop.device_types", uint32(portal.AllDevices))
	v.SetDefault("remotedesktop.max_persist", "permanent")
	v.SetDefault("remotedesktop.response", "success")

	v.SetDefault("screencast.enabled", true)
	v.SetDefault("screencast.version", 4)
	v.SetDefault("screencast.source_types", uint32(portal.SourceMonitor|portal.SourceWindow))
	v.SetDefault("screencast.cursor_modes", uint32(portal.CursorHidden|portal.CursorEmbedded|portal.CursorMetadata))
	v.SetDefault("screencast.stream_nodes", []int{44})
	v.SetDefault("screencast.max_persist", "permanent")
	v.SetDefault("screencast.response", "success")

	v.SetDefault("inputcapture.enabled", true)
	v.SetDefault("inputcapture.version", 1)
	v.SetDefault("inputcapture.capabilities", uint32(portal.CapabilityKeyboard|portal.CapabilityPointer))
	v.SetDefault("inputcapture.response", "success")
	v.SetDefault("inputcapture.zone_set", 1)
	v.SetDefault("inputcapture.omit_zone_set", false)
	v.SetDefault("inputcapture.omit_zones", false)
	v.SetDefault("inputcapture.failed_barriers", []int{})
	v.SetDefault("inputcapture.change_zones_after", "0s")
	v.SetDefault("inputcapture.activated_after", "0s")
	v.SetDefault("inputcapture.deactivated_after", "0s")
	v.SetDefault("inputcapture.disabled_after", "0s")
	v.SetDefault("inputcapture.close_after_enable", "0s")
	v.SetDefault("inputcapture.activated_barrier", 0)

	v.SetDefault("wallpaper.enabled", true)
	v.SetDefault("wallpaper.version", 1)
	v.SetDefault("wallpaper.response", "success")

	v.SetDefault("notification.enabled", true)
	v.SetDefault("notification.version", 2)

	v.SetDefault("tokens.backend", "memory")
	v.SetDefault("tokens.ttl", "0s")
	if home, err := os.UserHomeDir(); err == nil {
		v.SetDefault("tokens.file", filepath.Join(home, ".local", "state", AppName, "tokens.yaml"))
	}
	v.SetDefault("tokens.redis.addr", "")
	v.SetDefault("tokens.redis.prefix", AppName+":token:")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8090)
	v.SetDefault("api.cors.origins", []string{})
	v.SetDefault("bind", "127.0.0.1")

	v.SetDefault("zeroconf.enabled", false)

	v.SetDefault("LogLevel", "WARN")
	v.SetDefault("log_levels", map[string]string{})
}

type regionEntry struct {
	Width  uint32 `mapstructure:"width"`
	Height uint32 `mapstructure:"height"`
	X      int32  `mapstructure:"x"`
	Y      int32  `mapstructure:"y"`
}

func regions(v *viper.Viper, key string) ([]portal.Region, error) {
	var entries []regionEntry
	if err := v.UnmarshalKey(key, &entries); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	out := make([]portal.Region, len(entries))
	for i, e := range entries {
		out[i] = portal.Region{Width: e.Width, Height: e.Height, X: e.X, Y: e.Y}
	}
	return out, nil
}

func uint32Slice(v *viper.Viper, key string) []uint32 {
	ints := v.GetIntSlice(key)
	out := make([]uint32, 0, len(ints))
	for _, i := range ints {
		if i >= 0 {
			out = append(out, uint32(i))
		}
	}
	return out
}

// DefaultInputCaptureZones is the single zone served when none is configured.
var DefaultInputCaptureZones = []portal.Region{{Width: 1920, Height: 1080, X: 0, Y: 0}}

func loadBroker(v *viper.Viper) (*BrokerConfig, error) {
	rdResp, err := parseResponse(v.GetString("remotedesktop.response"))
	if err != nil {
		return nil, fmt.Errorf("remotedesktop: %w", err)
	}
	rdPersist, err := parsePersist(v.GetString("remotedesktop.max_persist"))
	if err != nil {
		return nil, fmt.Errorf("remotedesktop: %w", err)
	}
	scResp, err := parseResponse(v.GetString("screencast.response"))
	if err != nil {
		return nil, fmt.Errorf("screencast: %w", err)
	}
	scPersist, err := parsePersist(v.GetString("screencast.max_persist"))
	if err != nil {
		return nil, fmt.Errorf("screencast: %w", err)
	}
	icResp, err := parseResponse(v.GetString("inputcapture.response"))
	if err != nil {
		return nil, fmt.Errorf("inputcapture: %w", err)
	}
	wpResp, err := parseResponse(v.GetString("wallpaper.response"))
	if err != nil {
		return nil, fmt.Errorf("wallpaper: %w", err)
	}

	zones, err := regions(v, "inputcapture.zones")
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		zones = DefaultInputCaptureZones
	}
	changed, err := regions(v, "inputcapture.changed_zones")
	if err != nil {
		return nil, err
	}
	var pos []float64
	if err := v.UnmarshalKey("inputcapture.activated_position", &pos); err != nil {
		return nil, fmt.Errorf("inputcapture.activated_position: %w", err)
	}
	var activatedPos [2]float64
	copy(activatedPos[:], pos)

	callLog := v.GetInt("broker.call_log_size")
	if callLog < 0 {
		return nil, fmt.Errorf("invalid broker.call_log_size: %d", callLog)
	}

	return &BrokerConfig{
		ResponseDelay:   v.GetDuration("broker.response_delay"),
		CallLogSize:     callLog,
		HandoffGreeting: v.GetString("broker.handoff_greeting"),
		RemoteDesktop: &RemoteDesktopConfig{
			Enabled:     v.GetBool("remotedesktop.enabled"),
			Version:     v.GetUint32("remotedesktop.version"),
			DeviceTypes: portal.DeviceType(v.GetUint32("remotedesktop.device_types")),
			MaxPersist:  rdPersist,
			Response:    rdResp,
		},
		ScreenCast: &ScreenCastConfig{
			Enabled:     v.GetBool("screencast.enabled"),
			Version:     v.GetUint32("screencast.version"),
			SourceTypes: portal.SourceType(v.GetUint32("screencast.source_types")),
			CursorModes: portal.CursorMode(v.GetUint32("screencast.cursor_modes")),
			StreamNodes: uint32Slice(v, "screencast.stream_nodes"),
			MaxPersist:  scPersist,
			Response:    scResp,
		},
		InputCapture: &InputCaptureConfig{
			Enabled:           v.GetBool("inputcapture.enabled"),
			Version:           v.GetUint32("inputcapture.version"),
			Capabilities:      portal.Capability(v.GetUint32("inputcapture.capabilities")),
			Response:          icResp,
			ZoneSet:           v.GetUint32("inputcapture.zone_set"),
			Zones:             zones,
			ChangedZones:      changed,
			OmitZoneSet:       v.GetBool("inputcapture.omit_zone_set"),
			OmitZones:         v.GetBool("inputcapture.omit_zones"),
			FailedBarriers:    uint32Slice(v, "inputcapture.failed_barriers"),
			ChangeZonesAfter:  v.GetDuration("inputcapture.change_zones_after"),
			ActivatedAfter:    v.GetDuration("inputcapture.activated_after"),
			DeactivatedAfter:  v.GetDuration("inputcapture.deactivated_after"),
			DisabledAfter:     v.GetDuration("inputcapture.disabled_after"),
			CloseAfterEnable:  v.GetDuration("inputcapture.close_after_enable"),
			ActivatedBarrier:  v.GetUint32("inputcapture.activated_barrier"),
			ActivatedPosition: activatedPos,
		},
		Wallpaper: &WallpaperConfig{
			Enabled:  v.GetBool("wallpaper.enabled"),
			Version:  v.GetUint32("wallpaper.version"),
			Response: wpResp,
		},
		Notification: &NotificationConfig{
			Enabled: v.GetBool("notification.enabled"),
			Version: v.GetUint32("notification.version"),
		},
	}, nil
}

func load(v *viper.Viper) (*Config, error) {
	port := v.GetInt("api.port")
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", port)
	}

	brokerCfg, err := loadBroker(v)
	if err != nil {
		return nil, err
	}

	backend := strings.ToLower(v.GetString("tokens.backend"))
	switch backend {
	case "memory", "file", "redis":
	default:
		return nil, fmt.Errorf("invalid tokens.backend: %q", backend)
	}

	bind := v.GetString("bind")
	var interfaces []net.Interface
	inet, err := interfaceForIP(bind)
	if err == nil && inet != nil {
		interfaces = append(interfaces, *inet)
	}

	apiCfg := ApiConfig{
		Enabled: v.GetBool("api.enabled"),
		Port:    port,
		Listens: []string{net.JoinHostPort(bind, fmt.Sprint(port))},
	}
	if origins := v.GetStringSlice("api.cors.origins"); len(origins) > 0 {
		apiCfg.CORS = &CORSConfig{Origins: origins}
	}

	zerocfg := ZeroConfig{
		Enabled:      v.GetBool("zeroconf.enabled"),
		InstanceName: AppName,
		ServiceType:  serviceType,
		Port:         port,
		Domain:       domain,
		TxtRecords:   []string{"version=" + AppVersion, "path=/sessions"},
		Listen:       interfaces,
	}

	return &Config{
		Bus: &BusConfig{
			Enabled: v.GetBool("bus.enabled"),
			Address: v.GetString("bus.address"),
			Name:    v.GetString("bus.name"),
			Replace: v.GetBool("bus.replace"),
		},
		Broker: brokerCfg,
		Tokens: &TokenConfig{
			Backend:     backend,
			TTL:         v.GetDuration("tokens.ttl"),
			File:        v.GetString("tokens.file"),
			RedisAddr:   v.GetString("tokens.redis.addr"),
			RedisPrefix: v.GetString("tokens.redis.prefix"),
		},
		Api:       &apiCfg,
		Zeroconf:  &zerocfg,
		LogLevel:  logger.ParseLevel(v.GetString("LogLevel")),
		LogLevels: parseLogLevels(v.GetStringMapString("log_levels")),
	}, nil
}

func New() (*Config, error) {
	setDefaults(viper.GetViper())
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")                       // name of config file (without extension)
	viper.SetConfigType("yaml")                         // config file format
	viper.AddConfigPath(filepath.Join("/etc", AppName)) // Global configuration path
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", AppName)) // User config path
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, continue with defaults if not found
		if _, isNotFound := err.(viper.ConfigFileNotFoundError); !isNotFound {
			logger.Warn("[config] failed to read config: %v", err)
		}
	}

	return load(viper.GetViper())
}

// Defaults returns the configuration produced by an empty config file.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := load(v)
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not load: %v", err))
	}
	return cfg
}

// Watch re-applies log levels whenever the config file changes and then
// calls onChange with the freshly loaded configuration.
func Watch(onChange func(*Config)) {
	if viper.ConfigFileUsed() == "" {
		logger.Debug("[config] no config file in use, not watching")
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("[config] %s changed (%s), reloading", e.Name, e.Op)
		cfg, err := load(viper.GetViper())
		if err != nil {
			logger.Warn("[config] reload failed, keeping previous settings: %v", err)
			return
		}
		logger.SetLevel(cfg.LogLevel)
		logger.SetPackageLevels(cfg.LogLevels)
		if onChange != nil {
			onChange(cfg)
		}
	})
	viper.WatchConfig()
}
