package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds worker configuration: bus subjects, host network layout,
// hypervisor settings and listener addresses.
type Config struct {
	ConfigPath string
	ProjectDir string

	NATSURL          string
	ActionSubject    string
	StateSubject     string
	HandshakeSubject string
	QueueGroup       string
	Workers          int
	WorkerName       string

	HTTPListen string

	LabCIDR       string
	DataCIDR      string
	LabInterface  string
	UplinkBridge  string
	UplinkGateway string
	RoutingTable  int

	QEMUBinary     string
	Keymap         string
	IPPath         string
	OVSVsctlPath   string
	IPTablesPath   string
	QEMUImgPath    string
	WebsockifyPath string

	ProxyWSS  bool
	ProxyCert string
	ProxyKey  string

	CopyUser            string
	CopyIdentityFile    string
	CopyRemoteImagesDir string

	ServiceName string
	LogLevel    string
	LogFormat   string
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	ProjectDir          string `yaml:"project_dir"`
	NATSURL             string `yaml:"nats_url"`
	ActionSubject       string `yaml:"action_subject"`
	StateSubject        string `yaml:"state_subject"`
	HandshakeSubject    string `yaml:"handshake_subject"`
	QueueGroup          string `yaml:"queue_group"`
	Workers             int    `yaml:"workers"`
	WorkerName          string `yaml:"worker_name"`
	HTTPListen          string `yaml:"http_listen"`
	LabCIDR             string `yaml:"lab_cidr"`
	DataCIDR            string `yaml:"data_cidr"`
	LabInterface        string `yaml:"lab_interface"`
	UplinkBridge        string `yaml:"uplink_bridge"`
	UplinkGateway       string `yaml:"uplink_gateway"`
	RoutingTable        int    `yaml:"routing_table"`
	QEMUBinary          string `yaml:"qemu_binary"`
	Keymap              string `yaml:"keymap"`
	IPPath              string `yaml:"ip_path"`
	OVSVsctlPath        string `yaml:"ovs_vsctl_path"`
	IPTablesPath        string `yaml:"iptables_path"`
	QEMUImgPath         string `yaml:"qemu_img_path"`
	WebsockifyPath      string `yaml:"websockify_path"`
	ProxyWSS            *bool  `yaml:"proxy_wss"`
	ProxyCert           string `yaml:"proxy_cert"`
	ProxyKey            string `yaml:"proxy_key"`
	CopyUser            string `yaml:"copy_user"`
	CopyIdentityFile    string `yaml:"copy_identity_file"`
	CopyRemoteImagesDir string `yaml:"copy_remote_images_dir"`
	ServiceName         string `yaml:"service_name"`
	LogLevel            string `yaml:"log_level"`
	LogFormat           string `yaml:"log_format"`
}

func DefaultConfig() Config {
	projectDir := "/opt/remotelabz-worker"
	hostname, _ := os.Hostname()
	return Config{
		ConfigPath:          "/etc/remotelabz-worker/config.yaml",
		ProjectDir:          projectDir,
		NATSURL:             "nats://127.0.0.1:4222",
		ActionSubject:       "worker.actions",
		StateSubject:        "worker.states",
		HandshakeSubject:    "worker.handshake",
		QueueGroup:          "remotelabz-worker",
		Workers:             4,
		WorkerName:          hostname,
		HTTPListen:          "0.0.0.0:8080",
		LabCIDR:             "10.10.0.0/16",
		DataCIDR:            "192.168.0.0/24",
		LabInterface:        "eth0",
		UplinkBridge:        "br-int",
		RoutingTable:        4,
		Keymap:              "fr",
		CopyUser:            "remotelabz-worker",
		CopyRemoteImagesDir: filepath.Join(projectDir, "images"),
		ServiceName:         "remotelabz-worker",
		LogLevel:            "info",
		LogFormat:           "auto",
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.ProjectDir != "" && fileCfg.CopyRemoteImagesDir == "" {
		cfg.CopyRemoteImagesDir = filepath.Join(cfg.ProjectDir, "images")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&cfg.ProjectDir, fileCfg.ProjectDir)
	setString(&cfg.NATSURL, fileCfg.NATSURL)
	setString(&cfg.ActionSubject, fileCfg.ActionSubject)
	setString(&cfg.StateSubject, fileCfg.StateSubject)
	setString(&cfg.HandshakeSubject, fileCfg.HandshakeSubject)
	setString(&cfg.QueueGroup, fileCfg.QueueGroup)
	setString(&cfg.WorkerName, fileCfg.WorkerName)
	setString(&cfg.HTTPListen, fileCfg.HTTPListen)
	setString(&cfg.LabCIDR, fileCfg.LabCIDR)
	setString(&cfg.DataCIDR, fileCfg.DataCIDR)
	setString(&cfg.LabInterface, fileCfg.LabInterface)
	setString(&cfg.UplinkBridge, fileCfg.UplinkBridge)
	setString(&cfg.UplinkGateway, fileCfg.UplinkGateway)
	setString(&cfg.QEMUBinary, fileCfg.QEMUBinary)
	setString(&cfg.Keymap, fileCfg.Keymap)
	setString(&cfg.IPPath, fileCfg.IPPath)
	setString(&cfg.OVSVsctlPath, fileCfg.OVSVsctlPath)
	setString(&cfg.IPTablesPath, fileCfg.IPTablesPath)
	setString(&cfg.QEMUImgPath, fileCfg.QEMUImgPath)
	setString(&cfg.WebsockifyPath, fileCfg.WebsockifyPath)
	setString(&cfg.ProxyCert, fileCfg.ProxyCert)
	setString(&cfg.ProxyKey, fileCfg.ProxyKey)
	setString(&cfg.CopyUser, fileCfg.CopyUser)
	setString(&cfg.CopyIdentityFile, fileCfg.CopyIdentityFile)
	setString(&cfg.CopyRemoteImagesDir, fileCfg.CopyRemoteImagesDir)
	setString(&cfg.ServiceName, fileCfg.ServiceName)
	setString(&cfg.LogLevel, fileCfg.LogLevel)
	setString(&cfg.LogFormat, fileCfg.LogFormat)
	if fileCfg.Workers > 0 {
		cfg.Workers = fileCfg.Workers
	}
	if fileCfg.RoutingTable > 0 {
		cfg.RoutingTable = fileCfg.RoutingTable
	}
	if fileCfg.ProxyWSS != nil {
		cfg.ProxyWSS = *fileCfg.ProxyWSS
	}
}

// Validate performs basic validation of required settings.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.ProjectDir == "" {
		return fmt.Errorf("project_dir is required")
	}
	if !filepath.IsAbs(c.ProjectDir) {
		return fmt.Errorf("project_dir must be absolute (got %q)", c.ProjectDir)
	}
	if c.NATSURL == "" {
		return fmt.Errorf("nats_url is required")
	}
	if c.ActionSubject == "" || c.StateSubject == "" {
		return fmt.Errorf("action_subject and state_subject are required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if strings.TrimSpace(c.HTTPListen) != "" {
		if _, _, err := net.SplitHostPort(c.HTTPListen); err != nil {
			return fmt.Errorf("http_listen must be host:port: %w", err)
		}
	}
	if _, err := netip.ParsePrefix(c.LabCIDR); err != nil {
		return fmt.Errorf("lab_cidr must be a CIDR: %w", err)
	}
	if _, err := netip.ParsePrefix(c.DataCIDR); err != nil {
		return fmt.Errorf("data_cidr must be a CIDR: %w", err)
	}
	if c.UplinkBridge == "" {
		return fmt.Errorf("uplink_bridge is required")
	}
	if c.UplinkGateway != "" {
		if _, err := netip.ParseAddr(c.UplinkGateway); err != nil {
			return fmt.Errorf("uplink_gateway must be an IP address: %w", err)
		}
	}
	if c.RoutingTable <= 0 || c.RoutingTable >= 253 {
		return fmt.Errorf("routing_table must be between 1 and 252")
	}
	if c.ProxyWSS && (c.ProxyCert == "" || c.ProxyKey == "") {
		return fmt.Errorf("proxy_cert and proxy_key are required when proxy_wss is enabled")
	}
	switch c.LogFormat {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("log_format must be auto, text or json (got %q)", c.LogFormat)
	}
	return nil
}

// ImagesDir is where base images are cached.
func (c Config) ImagesDir() string {
	return filepath.Join(c.ProjectDir, "images")
}

// InstancesDir is the root of per-device workspaces.
func (c Config) InstancesDir() string {
	return filepath.Join(c.ProjectDir, "instances")
}
