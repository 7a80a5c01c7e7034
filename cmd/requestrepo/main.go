// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/adrgs/requestrepo/internal/cache"
	"github.com/adrgs/requestrepo/internal/config"
	"github.com/adrgs/requestrepo/internal/dnssrv"
	"github.com/adrgs/requestrepo/internal/geo"
	"github.com/adrgs/requestrepo/internal/httpsrv"
	"github.com/adrgs/requestrepo/internal/logfmt"
	"github.com/adrgs/requestrepo/internal/pubsub"
	"github.com/adrgs/requestrepo/internal/runtime"
	"github.com/adrgs/requestrepo/internal/session"
	"github.com/adrgs/requestrepo/internal/smtpsrv"
	"github.com/adrgs/requestrepo/internal/tlsmgr"
	"github.com/adrgs/requestrepo/internal/token"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	l := slog.New(logfmt.NewHandler(os.Stdout, slog.LevelInfo))

	c := cache.New(cache.Options{
		BudgetBytes:        cacheBudget(cfg),
		LowWatermarkBytes:  cacheBudget(cfg) * 8 / 10,
		MaxCapturesPerSub:  cfg.MaxCapturesPerSubdomain,
		MaxFileBytesPerSub: cfg.MaxSubdomainBytes,
		CatchallCap:        cfg.CatchallCaptureCap,
	})
	hub := pubsub.NewHub()

	// An external collaborator provides the real token signer/verifier
	// (§1 Out of scope); token.Static is the local-dev placeholder wired
	// here until one is supplied.
	tokens := token.Issuer(token.Static{})
	geoLookup := geo.Lookup(geo.None{})

	sessions := session.New(l.With("component", "session"), c, tokens, cfg.AdminCredential,
		cfg.SessionRateLimitCount, cfg.SessionRateLimitWindow, nil)

	dns := dnssrv.New(cfg, c, hub, geoLookup, l.With("component", "dns"))
	smtp := smtpsrv.New(cfg, c, hub, geoLookup, l.With("component", "smtp"))

	chal := &tlsmgr.HTTPChallengeHandle{}
	certs := tlsmgr.New(cfg, dns, chal, l.With("component", "tlsmgr"))

	http := httpsrv.New(cfg, c, hub, sessions, tokens, geoLookup, certs, chal, l.With("component", "http"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := certs.Run(ctx); err != nil {
		l.Error("tls manager failed to start", "error", err)
		os.Exit(1)
	}

	sup := runtime.New(l.With("component", "supervisor"), cfg.ShutdownDrain, map[string]runtime.Listener{
		"http": http,
		"dns":  dns,
		"smtp": smtp,
	})

	l.Info("requestrepo starting",
		"base_domain", cfg.BaseDomain,
		"public_ip", cfg.PublicIP.String(),
		"http_port", cfg.HTTPPort,
		"https_port", cfg.HTTPSPort,
		"dns_port", cfg.DNSPort,
		"smtp_port", cfg.SMTPPort,
	)

	if err := sup.Run(ctx); err != nil {
		l.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
	l.Info("requestrepo stopped")
}

func cacheBudget(cfg *config.Config) int64 {
	if cfg.CacheMemoryBudget > 0 {
		return int64(float64(cfg.CacheMemoryBudget) * cfg.CacheMemoryFraction)
	}
	const defaultProcessBudget = 512 * 1024 * 1024
	return int64(float64(defaultProcessBudget) * cfg.CacheMemoryFraction)
}

// loadConfig mirrors cmd/amass_engine/main.go's flag.String/flag.Bool
// style, defaulted from config.Default() and overridden by flags — the
// environment/configuration loading itself is named an external
// collaborator (§1), so this is the thin CLI front end feeding it.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()

	var publicIP string
	flag.StringVar(&cfg.BaseDomain, "base-domain", "", "authoritative base domain (required)")
	flag.StringVar(&publicIP, "public-ip", "", "public server IP address (required)")
	flag.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "plain HTTP listener port")
	flag.IntVar(&cfg.HTTPSPort, "https-port", cfg.HTTPSPort, "TLS HTTPS listener port")
	flag.IntVar(&cfg.DNSPort, "dns-port", cfg.DNSPort, "DNS listener port (UDP+TCP)")
	flag.IntVar(&cfg.SMTPPort, "smtp-port", cfg.SMTPPort, "SMTP listener port")
	flag.BoolVar(&cfg.TLSEnabled, "tls-enabled", cfg.TLSEnabled, "enable HTTPS and the domain-cert ACME lifecycle")
	flag.StringVar(&cfg.ACMEEmail, "acme-email", cfg.ACMEEmail, "contact email for ACME account registration")
	flag.StringVar(&cfg.ACMEDirectoryURL, "acme-directory-url", cfg.ACMEDirectoryURL, "override the ACME directory (e.g. the Let's Encrypt staging environment)")
	flag.BoolVar(&cfg.IPCertEnabled, "ip-cert-enabled", cfg.IPCertEnabled, "enable the HTTP-01 IP certificate lifecycle")
	flag.StringVar(&cfg.CertDir, "cert-dir", cfg.CertDir, "directory for ACME account key and certificate persistence")
	flag.StringVar(&cfg.AdminCredential, "admin-credential", cfg.AdminCredential, "admin credential required to create sessions (empty disables the gate)")
	flag.Int64Var(&cfg.MaxSubdomainBytes, "max-subdomain-bytes", cfg.MaxSubdomainBytes, "per-subdomain file tree byte quota")
	flag.Int64Var(&cfg.MaxRequestBodyBytes, "max-request-body-bytes", cfg.MaxRequestBodyBytes, "max inbound HTTP request body size")
	flag.Int64Var(&cfg.MaxSMTPMessageBytes, "max-smtp-message-bytes", cfg.MaxSMTPMessageBytes, "max inbound SMTP DATA size")
	flag.Float64Var(&cfg.CacheMemoryFraction, "cache-memory-fraction", cfg.CacheMemoryFraction, "fraction of the process memory budget before LRU-by-subdomain eviction")
	flag.StringVar(&cfg.ForwardedForHeader, "forwarded-for-header", cfg.ForwardedForHeader, "trusted forwarded-for header name (empty trusts only the socket peer)")
	flag.BoolVar(&cfg.AllowDangerousHeaders, "allow-dangerous-headers", cfg.AllowDangerousHeaders, "disable the owner response header safety filter")
	flag.StringVar(&cfg.APIPrefix, "api-prefix", cfg.APIPrefix, "versioned REST API path prefix")
	flag.Parse()

	if publicIP != "" {
		cfg.PublicIP = net.ParseIP(publicIP)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
