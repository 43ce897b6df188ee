package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/acme/autocert"

	"filedock/internal/config"
	"filedock/internal/httpserver"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) > 1 && os.Args[1] == "config" {
		configCmd(os.Args[2:])
		return
	}

	cfg := loadConfig(flag.CommandLine, os.Args[1:])

	srv, err := httpserver.New(httpserver.Options{
		Config: cfg,
		Fs:     afero.NewOsFs(),
	})
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.RunSweeper(ctx)

	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var redirect *http.Server

	errc := make(chan error, 2)
	switch {
	case cfg.TLS.AutoCert:
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Hosts...),
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Email:      cfg.TLS.Email,
		}
		hs.TLSConfig = m.TLSConfig()
		// ACME http-01 challenges and redirects to https.
		redirect = &http.Server{
			Addr:              ":80",
			Handler:           m.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() { errc <- redirect.ListenAndServe() }()
		log.Printf("filedock listening on https://%s (root=%s, acme hosts=%v)", cfg.Addr, cfg.Root, cfg.TLS.Hosts)
		go func() { errc <- hs.ListenAndServeTLS("", "") }()
	case cfg.TLS.Enabled():
		log.Printf("filedock listening on https://%s (root=%s)", cfg.Addr, cfg.Root)
		go func() { errc <- hs.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile) }()
	default:
		log.Printf("filedock listening on http://%s (root=%s)", cfg.Addr, cfg.Root)
		go func() { errc <- hs.ListenAndServe() }()
	}
	if cfg.WebDAV {
		log.Printf("webdav endpoint: /dav/")
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if redirect != nil {
		_ = redirect.Shutdown(shutdownCtx)
	}
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// loadConfig reads the config file, then lets flags override it.
func loadConfig(fs *flag.FlagSet, args []string) config.Config {
	var (
		cfgPath = fs.String("config", "", "path to config yaml/json (optional)")
		addr    = fs.String("addr", "", "listen address (default "+config.DefaultAddr+")")
		root    = fs.String("root", "", "data root; files live in <root>/files")
	)
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *root != "" {
		cfg.Root = *root
	}
	if err := cfg.Normalize(); err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

// configCmd prints the effective configuration.
func configCmd(args []string) {
	cfg := loadConfig(flag.NewFlagSet("config", flag.ExitOnError), args)
	b, err := cfg.YAML()
	if err != nil {
		log.Fatalf("render config: %v", err)
	}
	fmt.Print(string(b))
}
