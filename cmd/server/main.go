// Package main implements gitnotify-server, a GitHub webhook listener that
// relays merged pull requests over WebSocket to registered subscriber agents.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
	"github.com/codeGROOVE-dev/gitnotify/pkg/secrets"
	"github.com/codeGROOVE-dev/gitnotify/pkg/security"
	"github.com/codeGROOVE-dev/gitnotify/pkg/srv"
	"github.com/codeGROOVE-dev/gitnotify/pkg/webhook"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
	reportInterval  = time.Minute
)

type options struct {
	wsAddr        string
	webhookAddr   string
	password      string
	secretFile    string
	leDomains     string
	leCacheDir    string
	leEmail       string
	logLevel      string
	rateLimit     int
	maxConnsPerIP int
	maxConnsTotal int
	letsencrypt   bool
	githubIPsOnly bool
	trustProxy    bool
	logJSON       bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("gitnotify-server", pflag.ContinueOnError)
	fs.StringVar(&opts.wsAddr, "ws-addr", "127.0.0.1:9001", "WebSocket listen address for subscriber agents")
	fs.StringVar(&opts.webhookAddr, "webhook-addr", "127.0.0.1:9002", "HTTP listen address for GitHub webhooks")
	fs.StringVarP(&opts.password, "password", "p", "", "shared secret (default $"+secrets.EnvVar+")")
	fs.StringVar(&opts.secretFile, "secret-file", "", "read the shared secret from this file")
	fs.IntVar(&opts.rateLimit, "rate-limit", 100, "maximum webhook requests per minute per IP")
	fs.IntVar(&opts.maxConnsPerIP, "max-conns-per-ip", 10, "maximum WebSocket connections per IP")
	fs.IntVar(&opts.maxConnsTotal, "max-conns-total", 1000, "maximum total WebSocket connections")
	fs.BoolVar(&opts.trustProxy, "trust-proxy", false, "key per-IP limits on the X-Forwarded-For address set by a fronting reverse proxy")
	fs.BoolVar(&opts.githubIPsOnly, "github-ips-only", false, "only accept webhooks from GitHub's published hook ranges")
	fs.BoolVar(&opts.letsencrypt, "letsencrypt", false, "serve webhooks over TLS with Let's Encrypt certificates")
	fs.StringVar(&opts.leDomains, "le-domains", "", "comma-separated list of domains for Let's Encrypt certificates")
	fs.StringVar(&opts.leCacheDir, "le-cache-dir", "./.letsencrypt", "cache directory for Let's Encrypt certificates")
	fs.StringVar(&opts.leEmail, "le-email", "", "contact email for Let's Encrypt notifications")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.letsencrypt && strings.TrimSpace(opts.leDomains) == "" {
		return opts, errors.New("--letsencrypt requires --le-domains")
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger.SetDefault(logger.NewWithOptions(os.Stderr, logger.Options{Level: level, JSON: opts.logJSON}))

	secret, source, err := secrets.Resolve(opts.password, secrets.EnvVar, opts.secretFile)
	if err != nil {
		return err
	}
	if secret == "" {
		logger.Warn("no shared secret configured: registration hashes and webhook keys are publicly computable", logger.Fields{
			"hint": "set --password, " + secrets.EnvVar + ", or --secret-file",
		})
	} else {
		logger.Info("shared secret loaded", logger.Fields{"source": string(source)})
	}

	var cidrs []string
	if opts.githubIPsOnly {
		cidrs = security.GitHubHookCIDRs
	}
	sources, err := security.NewSourceValidator(cidrs)
	if err != nil {
		return err
	}

	rateLimit, maxConnsPerIP := perIPLimits(opts)

	registry := srv.NewRegistry()
	rateLimiter := security.NewRateLimiter(rateLimit, time.Minute)
	defer rateLimiter.Stop()
	connLimiter := security.NewConnectionLimiter(maxConnsPerIP, opts.maxConnsTotal)
	defer connLimiter.Stop()

	wsHandler := srv.NewWebSocketHandler(registry, connLimiter, secret)
	wsHandler.TrustProxy(opts.trustProxy)

	wsServer := &http.Server{
		Addr:           opts.wsAddr,
		Handler:        wsHandler.Server(),
		ReadTimeout:    readTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	hookServer := &http.Server{
		Addr:           opts.webhookAddr,
		Handler:        security.Middleware(rateLimiter, sources, opts.trustProxy)(webhook.NewHandler(registry, secret)),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting WebSocket listener", logger.Fields{"addr": opts.wsAddr})
		return serve(wsServer.ListenAndServe())
	})

	g.Go(func() error {
		if !opts.letsencrypt {
			logger.Info("starting webhook listener", logger.Fields{"addr": opts.webhookAddr, "tls": false})
			return serve(hookServer.ListenAndServe())
		}
		return serveLetsEncrypt(gctx, hookServer, opts)
	})

	g.Go(func() error {
		registry.Report(gctx, reportInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown; Close
		// drops them so agents reconnect elsewhere.
		if err := wsServer.Close(); err != nil {
			logger.Warn("WebSocket listener close error", logger.Fields{"error": err.Error()})
		}
		if err := hookServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("webhook listener shutdown error", logger.Fields{"error": err.Error()})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped", nil)
	return nil
}

// perIPLimits returns the webhook rate limit and per-IP connection limit to
// enforce. A loopback listener without --trust-proxy only ever sees the proxy's
// address, so a per-IP limit there would cap every sender together; it is
// disabled and only --max-conns-total applies.
func perIPLimits(opts options) (rateLimit, maxConnsPerIP int) {
	rateLimit, maxConnsPerIP = opts.rateLimit, opts.maxConnsPerIP
	if opts.trustProxy {
		return rateLimit, maxConnsPerIP
	}
	if !opts.letsencrypt && isLoopback(opts.webhookAddr) && rateLimit > 0 {
		logger.Info("webhook listener is loopback-only: per-IP rate limit disabled, use --trust-proxy behind a proxy", logger.Fields{
			"addr": opts.webhookAddr,
		})
		rateLimit = 0
	}
	if isLoopback(opts.wsAddr) && maxConnsPerIP > 0 {
		logger.Info("WebSocket listener is loopback-only: per-IP connection limit disabled, use --trust-proxy behind a proxy", logger.Fields{
			"addr":            opts.wsAddr,
			"max_conns_total": opts.maxConnsTotal,
		})
		maxConnsPerIP = 0
	}
	return rateLimit, maxConnsPerIP
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// serve maps a clean shutdown to nil.
func serve(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// serveLetsEncrypt serves webhooks on :443 with autocert, plus the ACME
// HTTP-01 challenge responder on :80.
func serveLetsEncrypt(ctx context.Context, server *http.Server, opts options) error {
	domains := strings.Split(opts.leDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}

	if err := os.MkdirAll(opts.leCacheDir, 0o700); err != nil {
		return fmt.Errorf("failed to create Let's Encrypt cache directory: %w", err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(opts.leCacheDir),
		Email:      opts.leEmail,
	}

	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	challenge := &http.Server{
		Addr:              ":80",
		Handler:           certManager.HTTPHandler(nil),
		ReadHeaderTimeout: readTimeout,
	}
	go func() {
		logger.Info("starting HTTP server on :80 for Let's Encrypt ACME challenges", nil)
		if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("ACME challenge server error: certificate issuance/renewal may fail", logger.Fields{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		if err := challenge.Close(); err != nil {
			logger.Debug("ACME challenge server close", logger.Fields{"error": err.Error()})
		}
	}()

	logger.Info("starting webhook listener", logger.Fields{"addr": server.Addr, "tls": true, "domains": domains})
	return serve(server.ListenAndServeTLS("", ""))
}
