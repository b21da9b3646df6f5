// Package server wires configuration, tile sources, styles and the HTTP API
// into the map server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/CAFxX/httpcompression"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/plat-maps/internal/api"
	"github.com/joeblew999/plat-maps/internal/config"
	"github.com/joeblew999/plat-maps/internal/fonts"
	"github.com/joeblew999/plat-maps/internal/render"
	"github.com/joeblew999/plat-maps/internal/render/raster"
	"github.com/joeblew999/plat-maps/internal/resolver"
	"github.com/joeblew999/plat-maps/internal/service"
	"github.com/joeblew999/plat-maps/internal/style"
	"github.com/joeblew999/plat-maps/internal/tilesource"
)

// loadConcurrency bounds how many styles or archives open at once.
const loadConcurrency = 4

// Config holds the server configuration.
type Config struct {
	Host string
	Port string
	// ConfigPath is the configuration file. When it does not exist Archive,
	// or the first archive in the working directory, is served instead.
	ConfigPath string
	Archive    string
	PublicURL  string
	Verbose    bool
	NoCORS     bool

	// Engine renders styles; defaults to the raster engine.
	Engine render.Engine
	// Transform decorates vector tile payloads.
	Transform resolver.TransformFunc
}

// Server is the map HTTP server.
type Server struct {
	config  Config
	mux     *http.ServeMux
	handler http.Handler
	humaAPI huma.API
	styles  *style.Registry
	data    *tilesource.Repository
	log     *logrus.Entry
}

// loadConfig resolves the configuration source in order: file, explicit
// archive, first archive in the working directory, empty defaults.
func loadConfig(c Config, log *logrus.Entry) (*config.Config, error) {
	if c.ConfigPath != "" {
		if _, err := os.Stat(c.ConfigPath); err == nil {
			log.Infof("using configuration file %s", c.ConfigPath)
			return config.Load(c.ConfigPath)
		}
	}
	archive := c.Archive
	if archive == "" {
		files, err := service.ListArchives(".")
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			archive = files[0].Name
			log.Infof("no configuration file, serving %s found in working directory", archive)
		}
	}
	if archive == "" {
		log.Warn("no configuration file or archive, nothing to serve")
		return config.Default("."), nil
	}
	if _, err := os.Stat(archive); err != nil {
		return nil, fmt.Errorf("archive %s: %w", archive, err)
	}
	return config.FromArchive(archive), nil
}

// New loads the configuration and every style and data source. Styles and
// sources that fail to load are logged and skipped.
func New(ctx context.Context, c Config, logger *logrus.Logger) (*Server, error) {
	log := logger.WithField("component", "server")
	cfg, err := loadConfig(c, log)
	if err != nil {
		return nil, err
	}
	opts := cfg.Options

	catalog, err := fonts.Discover(opts.Paths.Fonts, opts.ServeAllFonts)
	if err != nil {
		return nil, err
	}
	if c.Engine == nil {
		c.Engine = raster.Engine{}
	}

	bus := service.NewEventBus()
	index := style.NewDataIndex(opts.Paths.Archives, cfg.Data)
	sizes := render.DefaultSizes
	if len(opts.MinRendererPoolSizes) > 0 {
		sizes.Min = opts.MinRendererPoolSizes
	}
	if len(opts.MaxRendererPoolSizes) > 0 {
		sizes.Max = opts.MaxRendererPoolSizes
	}
	styles := style.NewRegistry(style.Options{
		StylesDir:  opts.Paths.Styles,
		SpritesDir: opts.Paths.Sprites,
		Render:     opts.ServeRendered,
		Sizes:      sizes,
		MaxScale:   opts.MaxScaleFactor,
		Watermark:  opts.Watermark,
		Verbose:    c.Verbose,
	}, style.Deps{
		Engine:    c.Engine,
		Fonts:     catalog,
		Data:      index,
		Empty:     resolver.NewEmptyCache(),
		Client:    &http.Client{},
		Transform: c.Transform,
		Bus:       bus,
		Log:       logger.WithField("component", "styles"),
	})

	// failures are logged per item, the group only bounds concurrency
	var g errgroup.Group
	g.SetLimit(loadConcurrency)
	for id, sc := range cfg.Styles {
		g.Go(func() error {
			if err := styles.Add(ctx, id, sc); err != nil {
				log.WithField("style", id).Errorf("skipping style: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// after styles: they may have added archive files to the index
	data := tilesource.NewRepository(logger.WithField("component", "data"))
	var dg errgroup.Group
	dg.SetLimit(loadConcurrency)
	for _, e := range index.Entries() {
		dg.Go(func() error {
			if _, err := data.Add(ctx, e.ID, tilesource.Spec{Path: e.Path, TileJSON: e.TileJSON}); err != nil {
				log.WithField("data", e.ID).Errorf("skipping data: %v", err)
				return nil
			}
			bus.Publish(service.Event{Resource: "data", Action: "created", ID: e.ID})
			return nil
		})
	}
	_ = dg.Wait()

	mux := http.NewServeMux()
	humaConfig := huma.DefaultConfig("plat-maps API", api.Version)
	humaConfig.Info.Description = "Map tile server: rendered raster tiles, static maps, vector data tiles, styles and glyphs."
	if c.Host != "" && c.Port != "" {
		humaConfig.Servers = []*huma.Server{
			{URL: fmt.Sprintf("http://%s:%s", c.Host, c.Port), Description: "Local server"},
		}
	}
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}
	humaConfig.Transformers = append(humaConfig.Transformers, api.LinkTransformer())
	humaAPI := humago.New(mux, humaConfig)

	handler := api.NewHandler(&api.Services{
		Options:   opts,
		Styles:    styles,
		Data:      data,
		Fonts:     catalog,
		Bus:       bus,
		PublicURL: c.PublicURL,
		Transform: c.Transform,
		Log:       logger.WithField("component", "api"),
	})
	huma.AutoRegister(humaAPI, handler)

	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("compression: %w", err)
	}
	var h http.Handler = compress(mux)
	if !c.NoCORS {
		h = cors(h)
	}

	s := &Server{
		config:  c,
		mux:     mux,
		handler: h,
		humaAPI: humaAPI,
		styles:  styles,
		data:    data,
		log:     log,
	}
	log.Infof("serving %d styles and %d data sources from %s",
		len(styles.List()), len(data.Names()), filepath.Clean(opts.Paths.Root))
	return s, nil
}

// cors allows any origin to read tiles and metadata.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Range, If-Modified-Since, Cache-Control")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Last-Modified")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// OpenAPI returns the OpenAPI document of the API.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// Close tears down styles before data sources. Renderer pools drain first so
// no render still reads an archive being closed.
func (s *Server) Close(ctx context.Context) error {
	s.styles.Close(ctx)
	return s.data.Close()
}
