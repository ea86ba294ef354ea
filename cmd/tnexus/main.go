// Command tnexus is the TCP reverse proxy's single binary: it loads
// configuration, wires the reactor, optionally starts the control API,
// and waits for a shutdown signal or a control-API Quit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/darkprokoba/tnexus/internal/config"
	"github.com/darkprokoba/tnexus/internal/controlapi"
	"github.com/darkprokoba/tnexus/internal/controlmsg"
	"github.com/darkprokoba/tnexus/internal/logging"
	"github.com/darkprokoba/tnexus/internal/multiplex"
	"github.com/darkprokoba/tnexus/internal/nexus"
)

const defaultConfigPath = "tnexus.toml"

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("tnexus", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the TOML config file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath, fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed, color.Bold).Sprint("startup failed:"), err)
		return 1
	}

	logging.Setup(cfg.LogFormat)
	log := logging.New("main")

	n := nexus.New(nexus.Config{
		ListenAddr: cfg.ListenAddr,
		BufSize:    cfg.BufSize,
		Mux:        cfg.Mux,
	}, logging.New("nexus"))

	var api *controlapi.Server
	if cfg.API != nil {
		api = controlapi.New(controlapi.Config{
			KeyFile:            cfg.API.KeyFile,
			CertFile:           cfg.API.CertFile,
			AuthorizedCertFile: cfg.API.AuthorizedCertFile,
		}, n.Control(), n.Nudge, logging.New("controlapi"))

		addr, err := api.Start()
		if err != nil {
			fmt.Fprintln(os.Stderr, color.New(color.FgRed, color.Bold).Sprint("control api startup failed:"), err)
			return 1
		}
		if sni, ok := cfg.Mux.(*multiplex.SNI); ok {
			sni.AddRoute(syntheticControlHostname, addr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %s, requesting shutdown", sig)
		quitReply := make(chan struct{})
		n.Control() <- controlmsg.Quit{Reply: quitReply}
		n.Nudge()
		cancel()
	}()

	printBanner(cfg)

	runErr := n.Run(ctx)

	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn("control api shutdown", logging.Field{Key: "err", Value: err})
		}
	}

	if runErr != nil {
		log.Errorf("reactor exited: %v", runErr)
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

// syntheticControlHostname is the well-known SNI name spec.md §6 reserves
// for reaching the local control API through the same listener.
const syntheticControlHostname = "tnexus.net"

func printBanner(cfg *config.Config) {
	accent := color.New(color.FgHiCyan, color.Bold)
	fmt.Fprintln(os.Stderr, accent.Sprint("tnexus"), "— SNI-aware TCP reverse proxy")
	fmt.Fprintf(os.Stderr, "  listen:  %s\n", cfg.ListenAddr)
	fmt.Fprintf(os.Stderr, "  bufsize: %d\n", cfg.BufSize)
	if cfg.API != nil {
		fmt.Fprintln(os.Stderr, "  control api: enabled")
	}
}
