package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/cortexproject/querynode/pkg/querynode"
	util_log "github.com/cortexproject/querynode/pkg/util/log"
)

func init() {
	prometheus.MustRegister(versioncollector.NewCollector("querynode"))
}

const configFileOption = "config.file"

var testMode = false

func main() {
	var (
		cfg                  querynode.Config
		mutexProfileFraction int
		printVersion         bool
	)

	configFile := parseConfigFileParameter(os.Args[1:])

	// This sets default values from flags to the config.
	// It needs to be called before parsing the config file!
	cfg.RegisterFlags(flag.CommandLine)

	if configFile != "" {
		if err := LoadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			if testMode {
				return
			}
			os.Exit(1)
		}
	}

	// Ignore -config.file here, since it was already parsed, but it's still present on command line.
	flag.String(configFileOption, "", "Configuration file to load.")
	flag.IntVar(&mutexProfileFraction, "debug.mutex-profile-fraction", 0, "Fraction at which mutex profile vents will be reported, 0 to disable")
	flag.BoolVar(&printVersion, "version", false, "Print the version and exit.")

	if testMode {
		// Don't exit on error in test mode. Just parse parameters, dump config and stop.
		flag.CommandLine.Init(flag.CommandLine.Name(), flag.ContinueOnError)
		flag.Parse()
		DumpYaml(os.Stdout, &cfg)
		return
	}

	flag.Parse()

	if printVersion {
		fmt.Fprintln(os.Stdout, version.Print("querynode"))
		return
	}
	if cfg.PrintConfig {
		DumpYaml(os.Stdout, &cfg)
		return
	}

	if mutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(mutexProfileFraction)
	}

	// Validate the config once both the config file has been loaded
	// and CLI flags parsed.
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error validating config: %v\n", err)
		os.Exit(1)
	}

	util_log.InitLogger(&cfg.Server)

	t, err := querynode.New(cfg)
	util_log.CheckFatal("initializing query node", err)

	level.Info(util_log.Logger).Log("msg", "Starting query node", "version", version.Info())

	err = t.Run()
	util_log.CheckFatal("running query node", err)
}

// Parse -config.file option via separate flag set, to avoid polluting default one and calling flag.Parse on it twice.
func parseConfigFileParameter(args []string) string {
	var configFile = ""
	// ignore errors and any output here. Any flag errors will be reported by main flag.Parse() call.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "") // usage not used in this function.

	// Try to find -config.file option in the flags. As Parsing stops on the first error, eg. unknown flag, we simply
	// try remaining parameters until we find config flag, or there are no params left.
	for len(args) > 0 {
		_ = fs.Parse(args)
		if configFile != "" {
			break
		}
		args = args[1:]
	}

	return configFile
}

// LoadConfig read YAML-formatted config from filename into cfg.
func LoadConfig(filename string, cfg *querynode.Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "Error reading config file")
	}

	err = yaml.UnmarshalStrict(buf, cfg)
	if err != nil {
		return errors.Wrap(err, "Error parsing config file")
	}

	return nil
}

func DumpYaml(w io.Writer, cfg *querynode.Config) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Fprintf(w, "%s\n", out)
	}
}
