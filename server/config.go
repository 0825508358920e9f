package server

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/slidetile/codec/pyramid"
	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/socket"
	"github.com/janelia-flyem/slidetile/storage"
)

const (
	// DefaultWebAddress is the default address of the slidetile web server
	DefaultWebAddress = "localhost:8000"

	// DefaultStoreAlias names the array store used when none is configured.
	DefaultStoreAlias = "default"

	// DefaultMaxUploadMB bounds the size of an uploaded source image.
	DefaultMaxUploadMB = 4096
)

// DefaultHost is the default most understandable alias for this server.
var DefaultHost = "localhost"

func init() {
	// Assumes Linux or Mac.
	cmd := exec.Command("/bin/hostname", "-f")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return
	}
	if host := strings.TrimSpace(out.String()); host != "" {
		DefaultHost = host
	}
}

// Config is the parsed TOML configuration of a server.
type Config struct {
	Server     serverConfig
	Logging    slide.LogConfig
	Auth       authConfig
	Registry   registryConfig
	Store      map[string]storeConfig
	Conversion conversionConfig
	Cache      cacheConfig
	Kafka      storage.KafkaConfig

	location string
}

type serverConfig struct {
	HTTPAddress    string   `toml:"httpAddress"`
	Host           string   `toml:"host"`
	Note           string   `toml:"note"`
	TileTimeout    int      `toml:"tileTimeout"` // milliseconds
	MaxInflight    int64    `toml:"maxInflight"`
	RequestRate    float64  `toml:"requestRate"`
	RequestBurst   int      `toml:"requestBurst"`
	SendQueue      int      `toml:"sendQueue"`
	AllowedOrigins []string `toml:"allowedOrigins"`
	UploadDir      string   `toml:"uploadDir"`
	MaxUploadMB    int      `toml:"maxUploadMB"`
	BlockListFile  string   `toml:"blockListFile"`
	ShutdownDelay  int      `toml:"shutdownDelay"` // seconds
}

type registryConfig struct {
	Path string `toml:"path"`
}

// storeConfig holds the engine name and engine-specific settings of one
// array store, e.g. [store.default] engine = "filestore", path = "data".
type storeConfig map[string]interface{}

type conversionConfig struct {
	Store         string `toml:"store"`
	Codec         string `toml:"codec"`
	Concurrency   int    `toml:"concurrency"`
	Format        string `toml:"format"`
	Quality       int    `toml:"quality"`
	ThumbnailSize int    `toml:"thumbnailSize"`
}

type cacheConfig struct {
	TileMB int `toml:"tileMB"`
}

// DefaultConfig returns a configuration serving an in-memory registry and
// array store, suitable for tests and demos.
func DefaultConfig() *Config {
	return &Config{
		Server: serverConfig{
			HTTPAddress:   DefaultWebAddress,
			Host:          DefaultHost,
			ShutdownDelay: 5,
		},
		Store: map[string]storeConfig{
			DefaultStoreAlias: {"engine": "memory"},
		},
		Conversion: conversionConfig{
			Store: DefaultStoreAlias,
		},
	}
}

// LoadConfig loads server configuration from a TOML file.  Relative paths
// in the file are taken relative to the file's own directory.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	c := DefaultConfig()
	c.Store = nil
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.location = filename
	if len(c.Store) == 0 {
		c.Store = DefaultConfig().Store
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	slide.Infof("Loaded configuration from %s\n", filename)
	return c, nil
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir := filepath.Dir(configPath)

	c.Server.UploadDir = slide.ConvertToAbsolute(configDir, c.Server.UploadDir)
	c.Server.BlockListFile = slide.ConvertToAbsolute(configDir, c.Server.BlockListFile)
	c.Logging.Logfile = slide.ConvertToAbsolute(configDir, c.Logging.Logfile)
	c.Registry.Path = slide.ConvertToAbsolute(configDir, c.Registry.Path)

	// [store.foobar].path
	for alias, sc := range c.Store {
		p, ok := sc["path"]
		if !ok {
			continue
		}
		path, ok := p.(string)
		if !ok {
			return fmt.Errorf("don't understand path setting for store %q", alias)
		}
		sc["path"] = slide.ConvertToAbsolute(configDir, path)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Conversion.Store == "" {
		c.Conversion.Store = DefaultStoreAlias
	}
	if _, found := c.Store[c.Conversion.Store]; !found {
		return fmt.Errorf("conversion store %q is not a configured [store] alias", c.Conversion.Store)
	}
	for alias, sc := range c.Store {
		if _, err := sc.parse(); err != nil {
			return fmt.Errorf("store.%s: %v", alias, err)
		}
	}
	switch c.Conversion.Format {
	case "", pyramid.FormatJPEG, pyramid.FormatPNG, pyramid.FormatRaw:
	default:
		return fmt.Errorf("unknown tile format %q", c.Conversion.Format)
	}
	if c.Conversion.Codec != "" {
		if _, err := storage.GetCodec(storage.CodecSpec{Name: c.Conversion.Codec}); err != nil {
			return fmt.Errorf("conversion codec: %v", err)
		}
	}
	return nil
}

// storeConfig splits the engine name from its settings.
func (sc storeConfig) parse() (slide.StoreConfig, error) {
	engine, found := sc["engine"]
	if !found {
		return slide.StoreConfig{}, fmt.Errorf("no engine specified")
	}
	name, ok := engine.(string)
	if !ok {
		return slide.StoreConfig{}, fmt.Errorf("engine setting must be a string")
	}
	config := slide.NewConfig()
	for k, v := range sc {
		if k != "engine" {
			config.Set(k, v)
		}
	}
	return slide.StoreConfig{Config: config, Engine: name}, nil
}

// Location returns the TOML file the configuration was read from.
func (c *Config) Location() string {
	return c.location
}

// HostAlias returns the most understandable host alias + any port.
func (c *Config) HostAlias() string {
	host := c.Server.Host
	if host == "" {
		host = DefaultHost
	}
	parts := strings.Split(c.Server.HTTPAddress, ":")
	if len(parts) > 1 {
		host = host + ":" + parts[len(parts)-1]
	}
	return host
}

func (c *Config) socketConfig() socket.Config {
	sc := socket.DefaultConfig()
	if c.Server.TileTimeout > 0 {
		sc.TileTimeout = time.Duration(c.Server.TileTimeout) * time.Millisecond
	}
	if c.Server.MaxInflight > 0 {
		sc.MaxInflight = c.Server.MaxInflight
	}
	sc.RequestRate = c.Server.RequestRate
	if c.Server.RequestBurst > 0 {
		sc.RequestBurst = c.Server.RequestBurst
	}
	if c.Server.SendQueue > 0 {
		sc.SendQueue = c.Server.SendQueue
	}
	if len(c.Server.AllowedOrigins) > 0 {
		sc.OriginPatterns = c.Server.AllowedOrigins
	}
	return sc
}

func (c *Config) pyramidOptions() pyramid.Options {
	opts := pyramid.DefaultOptions()
	if c.Conversion.Codec != "" {
		opts.Compression = c.Conversion.Codec
	}
	if c.Conversion.Concurrency > 0 {
		opts.Concurrency = c.Conversion.Concurrency
	}
	if c.Conversion.Format != "" {
		opts.Format = c.Conversion.Format
	}
	if c.Conversion.Quality > 0 {
		opts.Quality = c.Conversion.Quality
	}
	opts.CacheBytes = c.Cache.TileMB * slide.Mega
	return opts
}

func (c *Config) thumbnailSize() int {
	if c.Conversion.ThumbnailSize > 0 {
		return c.Conversion.ThumbnailSize
	}
	return pyramid.DefaultThumbnailSize
}

func (c *Config) maxUploadBytes() int64 {
	mb := c.Server.MaxUploadMB
	if mb <= 0 {
		mb = DefaultMaxUploadMB
	}
	return int64(mb) * slide.Mega
}
