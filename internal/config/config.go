// Package config loads the server configuration file.
//
// The file is YAML or JSON and has three top level sections: options, styles
// and data. Paths inside it are resolved against options.paths.root, which is
// itself relative to the directory holding the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// MaxScaleLimit caps options.maxScaleFactor.
const MaxScaleLimit = 9

// Config is the decoded configuration file.
type Config struct {
	Options Options          `mapstructure:"options"`
	Styles  map[string]Style `mapstructure:"styles"`
	Data    map[string]Data  `mapstructure:"data"`
}

// Paths are the directories the server reads from.
type Paths struct {
	Root     string `mapstructure:"root"`
	Fonts    string `mapstructure:"fonts"`
	Styles   string `mapstructure:"styles"`
	Sprites  string `mapstructure:"sprites"`
	Archives string `mapstructure:"archives"`
}

// Options are the global server options.
type Options struct {
	Paths                Paths          `mapstructure:"paths"`
	Domains              []string       `mapstructure:"domains"`
	FormatQuality        map[string]int `mapstructure:"formatquality"`
	MaxSize              int            `mapstructure:"maxsize"`
	MaxScaleFactor       int            `mapstructure:"maxscalefactor"`
	MinRendererPoolSizes []int          `mapstructure:"minrendererpoolsizes"`
	MaxRendererPoolSizes []int          `mapstructure:"maxrendererpoolsizes"`
	ServeAllFonts        bool           `mapstructure:"serveallfonts"`
	ServeStaticMaps      bool           `mapstructure:"servestaticmaps"`
	ServeRendered        bool           `mapstructure:"serverendered"`
	PbfAlias             string         `mapstructure:"pbfalias"`
	TileMargin           int            `mapstructure:"tilemargin"`
	Watermark            string         `mapstructure:"watermark"`
}

// Style is one entry of the styles section.
type Style struct {
	Style     string            `mapstructure:"style"`
	TileJSON  map[string]any    `mapstructure:"tilejson"`
	Mapping   map[string]string `mapstructure:"mapping"`
	Watermark string            `mapstructure:"watermark"`
	Domains   []string          `mapstructure:"domains"`
}

// Data is one entry of the data section. Either MBTiles or PMTiles names the
// archive file.
type Data struct {
	MBTiles  string         `mapstructure:"mbtiles"`
	PMTiles  string         `mapstructure:"pmtiles"`
	TileJSON map[string]any `mapstructure:"tilejson"`
}

// Archive returns the archive file name of the entry.
func (d Data) Archive() string {
	if d.PMTiles != "" {
		return d.PMTiles
	}
	return d.MBTiles
}

// Quality returns the encoder quality for format, or 0 for the encoder default.
// Only jpeg is lossy; webp is encoded losslessly and has no quality entry.
func (o Options) Quality(format string) int {
	if format == "jpg" {
		format = "jpeg"
	}
	return o.FormatQuality[format]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("options.paths.root", "")
	v.SetDefault("options.paths.fonts", "fonts")
	v.SetDefault("options.paths.styles", "styles")
	v.SetDefault("options.paths.sprites", "sprites")
	v.SetDefault("options.paths.archives", "data")
	v.SetDefault("options.formatquality.jpeg", 80)
	v.SetDefault("options.maxsize", 2048)
	v.SetDefault("options.maxscalefactor", 3)
	v.SetDefault("options.minrendererpoolsizes", []int{8, 4, 2})
	v.SetDefault("options.maxrendererpoolsizes", []int{16, 8, 4})
	v.SetDefault("options.servestaticmaps", true)
	v.SetDefault("options.serverendered", true)
}

// Load reads the configuration file at path. Environment variables prefixed
// with MAPS_ override file values (MAPS_OPTIONS_MAXSIZE=4096).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("MAPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.normalize(filepath.Dir(path))
	return &cfg, nil
}

// Default is the configuration with every option at its default, paths
// relative to base and nothing to serve.
func Default(base string) *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.normalize(base)
	return &cfg
}

// FromArchive builds the configuration used when no config file exists: the
// single archive becomes a data source named after the file.
func FromArchive(archive string) *Config {
	dir, file := filepath.Split(archive)
	cfg := Default(dir)
	id := strings.TrimSuffix(file, filepath.Ext(file))
	entry := Data{MBTiles: file}
	if strings.EqualFold(filepath.Ext(file), ".pmtiles") {
		entry = Data{PMTiles: file}
	}
	cfg.Options.Paths.Archives = cfg.Options.Paths.Root
	cfg.Data = map[string]Data{id: entry}
	return cfg
}

func (c *Config) normalize(base string) {
	if base == "" {
		base = "."
	}
	o := &c.Options
	root := o.Paths.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(base, root)
	}
	o.Paths.Root = root
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	o.Paths.Fonts = resolve(o.Paths.Fonts)
	o.Paths.Styles = resolve(o.Paths.Styles)
	o.Paths.Sprites = resolve(o.Paths.Sprites)
	o.Paths.Archives = resolve(o.Paths.Archives)

	if o.MaxScaleFactor < 1 {
		o.MaxScaleFactor = 1
	}
	if o.MaxScaleFactor > MaxScaleLimit {
		o.MaxScaleFactor = MaxScaleLimit
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 2048
	}
	if c.Styles == nil {
		c.Styles = map[string]Style{}
	}
	if c.Data == nil {
		c.Data = map[string]Data{}
	}
}

// DataID returns the configured data id matching name, ignoring case.
func (c *Config) DataID(name string) (string, bool) {
	if _, ok := c.Data[name]; ok {
		return name, true
	}
	for id := range c.Data {
		if strings.EqualFold(id, name) {
			return id, true
		}
	}
	return "", false
}
