// overlaymesh-relay is a multi-identity overlay-network relay.
//
// Startup sequence:
//  1. Parse flags.
//  2. Verify the external tools supervised services need (git, node).
//  3. Load configuration (JSON file or defaults), persisting defaults on
//     first run.
//  4. Build the Router, which wires the watchdog, assignment table, and one
//     RelayNode per configured identity.
//  5. Start the dashboard (unless --no-ui), the router, and enable the
//     daemon sentinel.
//  6. Block until OS signals SIGINT or SIGTERM, then perform an ordered
//     shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/overlaymesh/relay/config"
	"github.com/overlaymesh/relay/daemon"
	"github.com/overlaymesh/relay/dashboard"
	"github.com/overlaymesh/relay/logger"
	"github.com/overlaymesh/relay/router"
)

const shutdownTimeout = 20 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (created with defaults if missing)")
	dashboardAddr := flag.String("dashboard", ":8080", "Address for the dashboard HTTP server")
	noUI := flag.Bool("no-ui", false, "Disable the dashboard HTTP server")
	baseDir := flag.String("base-dir", defaultBaseDir(), "Working directory for cloned backend service sources and logs")
	flag.Parse()

	log := logger.New(logger.LevelInfo)
	log.Info("overlaymesh-relay starting up")

	for _, tool := range []string{"git", "node"} {
		if _, err := exec.LookPath(tool); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: required tool %q not found on PATH\n", tool)
			os.Exit(1)
		}
	}

	cfgPath := *configFile
	if cfgPath == "" {
		path, err := defaultConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: resolve default config path: %v\n", err)
			os.Exit(1)
		}
		cfgPath = path
	}

	cfg, err := loadOrInitConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	for _, n := range cfg.Nodes {
		if len(n.SeedHex) != 64 {
			fmt.Fprintf(os.Stderr, "fatal: identity %q has a malformed seed (want 64 hex chars, got %d)\n", n.Name, len(n.SeedHex))
			os.Exit(1)
		}
	}

	sentinelPath, err := daemon.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: resolve sentinel path: %v\n", err)
		os.Exit(1)
	}

	r, err := router.New(cfg, cfgPath, *baseDir, log, sentinelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	var dash *dashboard.Server
	if !*noUI {
		dash = dashboard.New(r.Metrics(), r, cfg)
		go func() {
			if err := dash.ListenAndServe(*dashboardAddr); err != nil {
				log.Errorf("dashboard server error: %v", err)
			}
		}()
		log.Infof("dashboard server starting on %s", *dashboardAddr)
	}

	sentinel := daemon.New(sentinelPath)
	if err := sentinel.Enable(*baseDir, cfgPath, "overlaymesh-relay running"); err != nil {
		log.Warnf("daemon sentinel enable failed: %v", err)
	}

	r.Start()
	log.Info("router started; identities and backend services are coming up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println() // newline after ^C
	log.Infof("received signal %s; shutting down", sig)
	if dash != nil {
		dash.AddLog("INFO", fmt.Sprintf("received signal %s; shutting down", sig))
	}

	if err := sentinel.Disable(); err != nil {
		log.Warnf("daemon sentinel disable failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}

	log.Info("overlaymesh-relay shut down cleanly")
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".overlaymesh-relay"
	}
	return home + "/.overlaymesh-relay"
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home + "/.overlaymesh-relay-config.json", nil
}

// loadOrInitConfig loads cfgPath if it exists, otherwise writes a freshly
// generated default configuration there so subsequent runs are stable.
func loadOrInitConfig(cfgPath string) (*config.Config, error) {
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err := config.LoadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", cfgPath, err)
		}
		return cfg, nil
	}

	cfg, err := config.DefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("generate default config: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return nil, fmt.Errorf("persist default config %q: %w", cfgPath, err)
	}
	return cfg, nil
}
