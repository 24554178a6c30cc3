// Package main provides the command-line entry point for running a
// standalone Kademlia DHT peer.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	kademlia "github.com/aar3/liaa"
)

// cliConfig holds the flags accepted by the kademlia command.
type cliConfig struct {
	iface             string
	port              uint
	ksize             int
	alpha             int
	storageTTL        time.Duration
	diskStorageDir    string
	statePath         string
	refreshInterval   time.Duration
	saveStateInterval time.Duration
	bootstrap         string
	logLevel          string
	help              bool
}

func parseCLIFlags() *cliConfig {
	cfg := &cliConfig{}

	flag.StringVar(&cfg.iface, "interface", "0.0.0.0", "local address to bind")
	flag.UintVar(&cfg.port, "port", 33445, "local UDP port to bind")
	flag.IntVar(&cfg.ksize, "ksize", 20, "Kademlia bucket size and lookup width")
	flag.IntVar(&cfg.alpha, "alpha", 3, "lookup concurrency parameter")
	flag.DurationVar(&cfg.storageTTL, "storage-ttl", 24*time.Hour, "time a stored value lives before expiring")
	flag.StringVar(&cfg.diskStorageDir, "storage-dir", "", "directory for file-backed storage (default: in-memory)")
	flag.StringVar(&cfg.statePath, "state-file", "", "path to save/load the bootstrap state snapshot")
	flag.DurationVar(&cfg.refreshInterval, "refresh-interval", time.Hour, "routing table refresh and republish interval")
	flag.DurationVar(&cfg.saveStateInterval, "save-state-interval", 10*time.Minute, "state snapshot save interval")
	flag.StringVar(&cfg.bootstrap, "bootstrap", "", "comma-separated list of host:port bootstrap peers")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.help, "help", false, "show help message")

	flag.Parse()
	return cfg
}

func printUsage() {
	fmt.Println("kademlia - standalone Kademlia DHT peer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func (c *cliConfig) toOptions() *kademlia.Options {
	opts := kademlia.NewOptions()
	opts.Interface = c.iface
	opts.Port = uint16(c.port)
	opts.Ksize = c.ksize
	opts.Alpha = c.alpha
	opts.StorageTTL = c.storageTTL
	opts.DiskStorageDir = c.diskStorageDir
	opts.StatePath = c.statePath
	opts.RefreshInterval = c.refreshInterval
	opts.SaveStateInterval = c.saveStateInterval
	return opts
}

func (c *cliConfig) bootstrapAddrs() []string {
	if c.bootstrap == "" {
		return nil
	}
	var out []string
	for _, addr := range strings.Split(c.bootstrap, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func setupSignalHandling(srv *kademlia.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("kademlia: received interrupt, shutting down")
		_ = srv.SaveState()
		srv.Stop()
		os.Exit(0)
	}()
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := parseCLIFlags()
	if cfg.help {
		printUsage()
		return 0
	}

	level, err := logrus.ParseLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", cfg.logLevel, err)
		return 1
	}
	logrus.SetLevel(level)

	var srv *kademlia.Server
	if cfg.statePath != "" {
		if loaded, addrs, err := kademlia.LoadState(cfg.statePath); err == nil {
			srv = loaded
			if len(addrs) > 0 {
				if err := srv.Bootstrap(addrs); err != nil {
					logrus.WithError(err).Warn("kademlia: resuming bootstrap failed, continuing with empty table")
				}
			}
		}
	}

	if srv == nil {
		srv, err = kademlia.New(cfg.toOptions())
		if err != nil {
			logrus.WithError(err).Error("kademlia: failed to start")
			return 1
		}
	}

	if addrs := cfg.bootstrapAddrs(); len(addrs) > 0 {
		if err := srv.Bootstrap(addrs); err != nil {
			logrus.WithError(err).Error("kademlia: bootstrap failed")
			srv.Stop()
			return 1
		}
	}

	setupSignalHandling(srv)

	logrus.WithField("addr", srv.LocalAddr().String()).Info("kademlia: listening")
	select {}
}
