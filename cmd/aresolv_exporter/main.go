package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gvb84/aresolv"
	"github.com/gvb84/aresolv/config"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const version string = "0.1.0"

var (
	showVersion     = kingpin.Flag("version", "Print version information").Default().Bool()
	listenAddress   = kingpin.Flag("web.listen-address", "Address on which to expose metrics and web interface").Default(":9428").String()
	metricsPath     = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics").Default("/metrics").String()
	configFile      = kingpin.Flag("config.path", "Path to config file").Default("").String()
	resolveInterval = kingpin.Flag("resolve.interval", "Interval between resolution rounds").Default("1m").Duration()
	resolveService  = kingpin.Flag("resolve.service", "Service to resolve a port for alongside each host").Default("80").String()
	dnsNameServer   = kingpin.Flag("dns.nameserver", "DNS server the resolver worker queries instead of the system default").Default("").String()
	logLevel        = kingpin.Flag("log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error, fatal]").Default("info").String()
	tsEnabled       = kingpin.Flag("targets.tailscale", "Add all devices of the tailnet to the target list").Default("false").Bool()
	tailnet         = kingpin.Flag("targets.tailscale.tailnet", "Tailnet to list devices from").Default("").String()
	targetFlag      = kingpin.Arg("targets", "A list of hosts to resolve").Strings()
)

func init() {
	kingpin.Parse()
}

func main() {
	// Hand worker children over to the resolver loop before anything else.
	aresolv.Init()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	setLogLevel(*logLevel)

	if mpath := *metricsPath; mpath == "" {
		log.Warnln("web.telemetry-path is empty, correcting to `/metrics`")
		mpath = "/metrics"
		metricsPath = &mpath
	} else if mpath[0] != '/' {
		mpath = "/" + mpath
		metricsPath = &mpath
	}

	cfg, err := loadConfig()
	if err != nil {
		kingpin.FatalUsage("could not load config.path: %v", err)
	}

	if *tsEnabled {
		tsDiscover(cfg)
	}

	if len(cfg.Targets) == 0 {
		kingpin.FatalUsage("at least one target must be specified")
	}
	if cfg.Resolve.Interval.Duration() <= 0 {
		kingpin.FatalUsage("resolve.interval must be greater than 0")
	}

	resolver := aresolv.New(&aresolv.Config{Nameserver: cfg.DNS.Nameserver})
	if err := resolver.Start(); err != nil {
		log.Errorln(err)
		os.Exit(2)
	}

	stats := newResolveStats()
	reload := make(chan []config.TargetConfig, 1)
	if *configFile != "" {
		go watchConfig(*configFile, reload)
	}

	go handleSignals(resolver)
	go startResolving(resolver, stats, cfg, reload)

	startServer(stats, newCustomLabelSet(cfg.Targets))
}

func printVersion() {
	fmt.Println("aresolv-exporter")
	fmt.Printf("Version: %s\n", version)
	fmt.Println("Metric exporter for the aresolv asynchronous resolver")
}

// handleSignals stops the worker and reaps it before exiting. Reaping is the
// embedding process' obligation; Stop alone leaves a zombie behind.
func handleSignals(resolver *aresolv.Resolver) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	log.Infoln("shutting down")
	if err := resolver.Stop(); err != nil {
		log.Errorf("could not stop resolver worker: %v", err)
	}
	if err := resolver.Wait(); err != nil {
		log.Errorf("resolver worker exited: %v", err)
	}
	os.Exit(0)
}

func startResolving(resolver *aresolv.Resolver, stats *resolveStats, cfg *config.Config, reload <-chan []config.TargetConfig) {
	targets := cfg.Targets
	service := cfg.Resolve.Service
	interval := cfg.Resolve.Interval.Duration()

	runRound(resolver, stats, targets, service, interval)

	ticker := time.NewTicker(interval)
	for {
		select {
		case targets = <-reload:
			log.Infof("config reloaded, now resolving %d targets", len(targets))
		case <-ticker.C:
			runRound(resolver, stats, targets, service, interval)
		}
	}
}

// runRound submits one lookup per target, then drains the responses. Tags
// are target indexes; responses come back in submission order anyway.
func runRound(resolver *aresolv.Resolver, stats *resolveStats, targets []config.TargetConfig, service string, timeout time.Duration) {
	log.Debugf("resolving %d targets", len(targets))

	submitted := make([]time.Time, len(targets))
	for i, t := range targets {
		if err := resolver.Submit(aresolv.Tag(i), t.Host, service); err != nil {
			log.Fatalf("could not submit lookup for %s: %v", t.Host, err)
		}
		submitted[i] = time.Now()
	}

	for range targets {
		if !pollReady(resolver.Ready(), timeout) {
			log.Errorln("timed out waiting for resolver responses")
			return
		}

		resp, err := resolver.Fetch()
		if err != nil {
			log.Fatalf("resolver transport failed: %v", err)
		}

		i := int(resp.Tag)
		if i >= len(targets) {
			log.Errorf("response for unknown target tag %d", resp.Tag)
			continue
		}
		stats.update(targets[i], resp, time.Since(submitted[i]))
	}
}

// pollReady waits for the readiness fd the way any embedding event loop
// would.
func pollReady(fd int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain < 0 {
			return false
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remain.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Errorf("poll on resolver fd failed: %v", err)
			return false
		}
		if n > 0 {
			return true
		}
	}
}

func startServer(stats *resolveStats, labels *customLabelSet) {
	log.Infof("Starting aresolv exporter (Version: %s)", version)
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, indexHTML, *metricsPath)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(newResolveCollector(stats, labels))

	l := log.New()
	l.Level = log.ErrorLevel

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      l,
		ErrorHandling: promhttp.ContinueOnError,
	})
	http.Handle(*metricsPath, h)

	log.Infof("Listening for %s on %s", *metricsPath, *listenAddress)
	log.Fatal(http.ListenAndServe(*listenAddress, nil))
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		cfg := &config.Config{}
		addFlagToConfig(cfg)

		return cfg, nil
	}

	f, err := os.Open(*configFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load config file: %w", err)
	}
	defer f.Close()

	cfg, err := config.FromYAML(f)
	if err == nil {
		addFlagToConfig(cfg)
	}

	return cfg, err
}

// addFlagToConfig updates cfg with command line flag values, unless the
// config has non-zero values.
func addFlagToConfig(cfg *config.Config) {
	if len(cfg.Targets) == 0 {
		for _, host := range *targetFlag {
			cfg.Targets = append(cfg.Targets, config.TargetConfig{Host: host})
		}
	}
	if cfg.Resolve.Interval.Duration() == 0 {
		cfg.Resolve.Interval.Set(*resolveInterval)
	}
	if cfg.Resolve.Service == "" {
		cfg.Resolve.Service = *resolveService
	}
	if cfg.DNS.Nameserver == "" {
		cfg.DNS.Nameserver = *dnsNameServer
	}
}

const indexHTML = `<!doctype html>
<html>
<head>
	<meta charset="UTF-8">
	<title>aresolv Exporter (Version ` + version + `)</title>
</head>
<body>
	<h1>aresolv Exporter</h1>
	<p><a href="%s">Metrics</a></p>
</body>
</html>
`
