package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_djmesh._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 2 * time.Second
	// DefaultTTL is the mDNS record TTL in seconds.
	DefaultTTL = 120

	// maxTXTLength is the DNS limit for one TXT string.
	maxTXTLength = 255
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and browsing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	SelfDeviceID   string
	DeviceName     string
	ListeningPort  int
	KeyFingerprint string

	// ProfileName and ImageURL are the profile advertised to browsers.
	ProfileName string
	ImageURL    string

	Logger *logrus.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForBrowse() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// txtRecords builds the advertised metadata. Values that do not fit in one
// TXT string are left out.
func (c Config) txtRecords() []string {
	records := []string{
		"device_id=" + c.SelfDeviceID,
		"version=" + strconv.Itoa(c.Version),
	}
	optional := []struct{ key, value string }{
		{"name", c.ProfileName},
		{"image_url", c.ImageURL},
		{"key_fingerprint", c.KeyFingerprint},
	}
	for _, field := range optional {
		if field.value == "" {
			continue
		}
		record := field.key + "=" + field.value
		if len(record) > maxTXTLength {
			c.Logger.WithField("key", field.key).Warn("DISCOVERY: TXT value too long, not advertised")
			continue
		}
		records = append(records, record)
	}
	return records
}

// Advertiser publishes local presence and profile via mDNS.
type Advertiser struct {
	mu     sync.Mutex
	cfg    Config
	server *zeroconf.Server
}

// StartAdvertiser registers and starts the mDNS service.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"port":    cfg.ListeningPort,
	}).Info("DISCOVERY: advertising")
	return &Advertiser{cfg: cfg, server: server}, nil
}

// UpdateProfile replaces the advertised profile metadata.
func (a *Advertiser) UpdateProfile(name, imageURL string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.ProfileName = name
	a.cfg.ImageURL = imageURL
	if a.server != nil {
		a.server.SetText(a.cfg.txtRecords())
	}
}

// TXT returns the records currently advertised.
func (a *Advertiser) TXT() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.txtRecords()
}

// Stop withdraws the mDNS service.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
