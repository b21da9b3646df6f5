package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/plat-maps/internal/logging"
	"github.com/joeblew999/plat-maps/internal/server"
	"github.com/joeblew999/plat-maps/internal/tiler"
)

// Options defines all CLI flags and env vars for the map server.
// Flags: --host, --port, --config, --archive, --public-url, ...
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_CONFIG, ...
type Options struct {
	Host      string `doc:"Host to bind to" default:"0.0.0.0"`
	Port      int    `doc:"Port to listen on" short:"p" default:"8080"`
	Config    string `doc:"Configuration file" short:"c" default:"config.json"`
	Archive   string `doc:"MBTiles or PMTiles archive to serve when no configuration file exists"`
	PublicURL string `doc:"Public URL prefix used in generated tile URLs"`
	Verbose   bool   `doc:"Log every resource request made while rendering" short:"V"`
	Silent    bool   `doc:"Do not log to stdout"`
	LogFile   string `doc:"Append logs to this file"`
	LogLevel  string `doc:"Log level (debug, info, warn, error)" default:"info"`
	NoCors    bool   `doc:"Disable Cross-Origin Resource Sharing headers"`
}

func newLogger(opts *Options) (*logrus.Logger, io.Closer) {
	log, closer, err := logging.New(logging.Options{
		Level:  opts.LogLevel,
		File:   opts.LogFile,
		Silent: opts.Silent,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	return log, closer
}

func newServer(ctx context.Context, opts *Options, log *logrus.Logger) *server.Server {
	srv, err := server.New(ctx, server.Config{
		Host:       opts.Host,
		Port:       fmt.Sprintf("%d", opts.Port),
		ConfigPath: opts.Config,
		Archive:    opts.Archive,
		PublicURL:  opts.PublicURL,
		Verbose:    opts.Verbose,
		NoCORS:     opts.NoCors,
	}, log)
	if err != nil {
		log.Fatalf("Startup error: %v", err)
	}
	return srv
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		var (
			srv    *server.Server
			httpd  *http.Server
			closer io.Closer
			log    *logrus.Logger
		)

		hooks.OnStart(func() {
			log, closer = newLogger(opts)
			srv = newServer(context.Background(), opts, log)

			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

			fmt.Println()
			fmt.Printf("plat-maps server starting...\n")
			fmt.Printf("  Server:  %s\n", baseURL)
			fmt.Printf("  Styles:  %s/styles.json\n", baseURL)
			fmt.Printf("  Data:    %s/data.json\n", baseURL)
			fmt.Printf("  Docs:    %s/docs\n", baseURL)
			fmt.Printf("  OpenAPI: %s/openapi.json\n", baseURL)
			fmt.Println()

			httpd = &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
			if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("Server error: %v", err)
			}
		})

		hooks.OnStop(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if httpd != nil {
				_ = httpd.Shutdown(ctx)
			}
			if srv != nil {
				if err := srv.Close(ctx); err != nil {
					log.Warnf("close: %v", err)
				}
			}
			if closer != nil {
				_ = closer.Close()
			}
		})
	})

	cli.Root().Use = "maps"
	cli.Root().Short = "Map server for vector tiles, rendered tiles and static maps"
	cli.Root().Version = "0.1.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			opts.Silent = true
			log, closer := newLogger(opts)
			defer closer.Close()
			srv := newServer(cmd.Context(), opts, log)
			defer srv.Close(context.Background())
			spec := srv.OpenAPI()

			useYAML, _ := cmd.Flags().GetBool("yaml")

			var output []byte
			var err error
			if useYAML {
				output, err = yaml.Marshal(spec)
			} else {
				output, err = json.MarshalIndent(spec, "", "  ")
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error marshaling spec: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(output))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// tile subcommand: build a PMTiles vector archive from GeoJSON
	tileCmd := &cobra.Command{
		Use:   "tile <input.geojson> <output.pmtiles>",
		Short: "Convert a GeoJSON feature collection into a PMTiles vector archive",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			layer, _ := cmd.Flags().GetString("layer")
			minZoom, _ := cmd.Flags().GetInt("min-zoom")
			maxZoom, _ := cmd.Flags().GetInt("max-zoom")
			name, _ := cmd.Flags().GetString("name")
			attribution, _ := cmd.Flags().GetString("attribution")

			n, err := tiler.WriteFile(cmd.Context(), args[0], args[1], tiler.Options{
				Layer:       layer,
				MinZoom:     minZoom,
				MaxZoom:     maxZoom,
				Name:        name,
				Attribution: attribution,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error tiling %s: %v\n", args[0], err)
				os.Exit(1)
			}
			fmt.Printf("Wrote %d tiles to %s\n", n, args[1])
		},
	}
	tileCmd.Flags().StringP("layer", "l", "default", "Vector layer name")
	tileCmd.Flags().Int("min-zoom", 0, "Minimum zoom level")
	tileCmd.Flags().Int("max-zoom", tiler.MaxZoom, "Maximum zoom level")
	tileCmd.Flags().String("name", "", "Archive name stored in the metadata")
	tileCmd.Flags().String("attribution", "", "Attribution stored in the metadata")
	cli.Root().AddCommand(tileCmd)

	cli.Run()
}
