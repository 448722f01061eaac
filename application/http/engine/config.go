package engine

import (
	"path/filepath"

	"async-http/application/util/domain"
)

const (
	DefaultCookieJar = "cookies.txt"
	DefaultCAInfo    = "cert.pem"
	DefaultCAPath    = "."

	verboseLogName = "verbose.log"
)

type Config struct {
	// DataPath is the directory of the verbose log.
	DataPath string
	// VerboseLog overrides the verbose log location.
	VerboseLog string

	// MaxTransfers limits requests in flight. Zero means no limit.
	MaxTransfers int

	// Defaults of the cookiejar, cainfo and capath options.
	CookieJar string
	CAInfo    string
	CAPath    string

	// Lookuper resolves hosts of requests without dns_servers. Nil means the system resolver.
	Lookuper domain.Lookuper
}

var DefaultConfig = Config{
	CookieJar: DefaultCookieJar,
	CAInfo:    DefaultCAInfo,
	CAPath:    DefaultCAPath,
}

func (c *Config) ApplyDefaults() {
	if c.CookieJar == "" {
		c.CookieJar = DefaultCookieJar
	}
	if c.CAInfo == "" {
		c.CAInfo = DefaultCAInfo
	}
	if c.CAPath == "" {
		c.CAPath = DefaultCAPath
	}
	if c.VerboseLog == "" {
		c.VerboseLog = filepath.Join(c.DataPath, verboseLogName)
	}
}

func (c *Config) Validate() error {
	if c.MaxTransfers < 0 {
		return configErrorf("MaxTransfers", "negative value %d", c.MaxTransfers)
	}
	return nil
}
