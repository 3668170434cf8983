package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"smsgw/smsc/at"
	"smsgw/smsc/emi"
	"smsgw/smsc/httpsmsc"
	"smsgw/smsc/smasi"
	"smsgw/smsc/smpp"
	"smsgw/store"
)

// CoreConfig is the bearerbox-wide group.
type CoreConfig struct {
	AdminPort      int    `yaml:"admin-port"`
	AdminPassword  string `yaml:"admin-password"`
	StatusPassword string `yaml:"status-password"`
	SmsboxPort     int    `yaml:"smsbox-port"`  // 0 disables the box server
	WDPPort        int    `yaml:"wdp-port"`     // UDP, 0 disables the WDP relay
	WAPEmbedded    bool   `yaml:"wap-embedded"` // terminate WTP/WSP in-process

	StoreFile     string `yaml:"store-file"`
	UnifiedPrefix string `yaml:"unified-prefix"`
	WhiteList     string `yaml:"white-list"`
	BlackList     string `yaml:"black-list"`

	LogFile  string `yaml:"log-file"`
	LogLevel string `yaml:"log-level"`

	BoxHeartbeat      time.Duration `yaml:"box-heartbeat"` // peer interval tolerance
	IncomingHighWater int           `yaml:"incoming-high-water"`

	Zabbix ZabbixConfig `yaml:"zabbix"`
}

// ZabbixConfig names the monitoring sink; empty server disables it.
type ZabbixConfig struct {
	Server string `yaml:"server"`
	Host   string `yaml:"host"`
}

// SMSCConfig is one smsc group. Exactly one protocol section must be
// present and must match the protocol field.
type SMSCConfig struct {
	Disabled bool   `yaml:"disabled"`
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"` // smpp, emi, at, http, smasi

	Throughput      float64  `yaml:"throughput"` // msgs/sec, 0 unlimited
	AllowedSMSCID   []string `yaml:"allowed-smsc-id"`
	DeniedSMSCID    []string `yaml:"denied-smsc-id"`
	PreferredSMSCID []string `yaml:"preferred-smsc-id"`
	AllowedPrefix   []string `yaml:"allowed-prefix"`
	DeniedPrefix    []string `yaml:"denied-prefix"`
	PreferredPrefix []string `yaml:"preferred-prefix"`

	SMPP  *smpp.Config     `yaml:"smpp"`
	EMI   *emi.Config      `yaml:"emi"`
	AT    *at.Config       `yaml:"at"`
	HTTP  *httpsmsc.Config `yaml:"http"`
	SMASI *smasi.Config    `yaml:"smasi"`

	id  string
	log *logrus.Entry
}

// Config is the whole bearerbox configuration file.
type Config struct {
	Core   CoreConfig             `yaml:"core"`
	SMSC   map[string]*SMSCConfig `yaml:"smsc"`
	DLRDB  *store.DLRDBConfig     `yaml:"dlr-db"`
	SQLLog string                 `yaml:"sql-log"` // MySQL DSN, empty disables
}

// ParseConfig parses the configuration and fills in initial values.
func ParseConfig(data []byte) (*Config, error) {
	config := new(Config)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	if config.Core.BoxHeartbeat <= 0 {
		config.Core.BoxHeartbeat = 9 * time.Second
	}
	for id, smsc := range config.SMSC {
		if smsc.Disabled {
			delete(config.SMSC, id) // drop disabled connections right away
			continue
		}
		smsc.id = id
		if smsc.Name == "" {
			smsc.Name = id
		}
		smsc.log = logrus.StandardLogger().WithField("smsc", id)
		if err := smsc.check(); err != nil {
			return nil, fmt.Errorf("smsc %s: %w", id, err)
		}
	}
	return config, nil
}

// check verifies that the protocol field names the one present section.
func (s *SMSCConfig) check() error {
	sections := map[string]bool{
		"smpp":  s.SMPP != nil,
		"emi":   s.EMI != nil,
		"at":    s.AT != nil,
		"http":  s.HTTP != nil,
		"smasi": s.SMASI != nil,
	}
	present, ok := sections[s.Protocol]
	if !ok {
		return fmt.Errorf("unknown protocol %q", s.Protocol)
	}
	if !present {
		return fmt.Errorf("protocol %s without a %s section", s.Protocol, s.Protocol)
	}
	n := 0
	for _, p := range sections {
		if p {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("more than one protocol section")
	}
	return nil
}

// LoadConfig loads and parses the configuration file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}
