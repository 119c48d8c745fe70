package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/covimesh/slam"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile string
	Keyframes  int
	Seed       int64
	Simulate   bool
	Verify     int // current keyframe to verify, negative when unset
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
}

// Application is the set of modes run can dispatch to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunSimulate() error
	RunVerify(current slam.KeyframeID) error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("covimesh: %v", err)
	}
}

// run parses args and starts the selected mode
func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("covimesh", flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", "config.yaml", "Path to configuration file (defaults are used when missing)")
	simulate := fs.Bool("simulate", false, "Run the mapping pipeline on a synthetic scene and exit")
	verify := fs.Int("verify", -1, "Verify the loop candidate of this synthetic keyframe and exit")
	keyframes := fs.Int("keyframes", 0, "Override simulation.keyframes")
	seed := fs.Int64("seed", 0, "Override simulation.seed")
	mqttMode := fs.Bool("mqtt", false, "Publish loop closures and accept loop requests over MQTT")
	httpMode := fs.Bool("http", false, "Enable the HTTP graph inspection server")
	httpPort := fs.Int("http-port", 8080, "HTTP server port (default 8080)")
	showVersion := fs.Bool("version", false, "Print the version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "covimesh version: %s\n", Version)
	if *showVersion {
		return nil
	}

	app.ApplyOptions(AppOptions{
		ConfigFile: *configFile,
		Keyframes:  *keyframes,
		Seed:       *seed,
		Simulate:   *simulate,
		Verify:     *verify,
		HttpPort:   *httpPort,
		MqttMode:   *mqttMode,
		HttpMode:   *httpMode,
	})

	switch {
	case *simulate:
		return app.RunSimulate()
	case *verify >= 0:
		return app.RunVerify(slam.KeyframeID(*verify))
	default:
		if !*mqttMode && !*httpMode {
			return fmt.Errorf("nothing to do: pass --simulate, --verify, --mqtt or --http")
		}
		fmt.Fprintln(out, "covimesh service starting...")
		return app.RunService()
	}
}
