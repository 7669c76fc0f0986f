package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/spilledink/mailcore/framework/log"
	"github.com/spilledink/mailcore/internal/coreconfig"
	"github.com/spilledink/mailcore/internal/dns_cache"
	"github.com/spilledink/mailcore/internal/ids"
	"github.com/spilledink/mailcore/internal/ingest"
	"github.com/spilledink/mailcore/internal/lock"
	"github.com/spilledink/mailcore/internal/push"
	"github.com/spilledink/mailcore/internal/queue"
	"github.com/spilledink/mailcore/internal/quota"
	"github.com/spilledink/mailcore/internal/store"
	"github.com/spilledink/mailcore/internal/target/remote"
)

// runAction builds every subsystem from spec §4 and runs until a
// termination signal arrives, draining in-flight deliveries before exit
// (spec §4.4's queue engine holds no connection across RunOnce calls, so
// "drain" here means "let the in-flight batch finish, then stop
// scheduling new ones").
func runAction(c *cli.Context) error {
	logger := log.Logger{Name: "mailcored", Debug: c.Bool("debug")}

	s, err := store.Open(store.Config{
		Driver: c.String("driver"),
		DSN:    c.StringSlice("dsn"),
		Debug:  c.Bool("debug"),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	dnsCache, err := dns_cache.New(s.Raw(), logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	allocator := ids.New(s)
	accountant := quota.New(allocator)
	broadcaster, err := newBroadcaster(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	lockMgr := lock.New(s)

	hostname := c.String("hostname")
	target := remote.NewTarget(hostname, logger)
	target.DNSCache = dnsCache

	core := coreconfig.NewCore(defaultSnapshot())

	engine := queue.New(s, target, core, hostname, logger)

	pipeline := &ingest.Pipeline{
		Store:         s,
		Ids:           allocator,
		Quota:         accountant,
		Push:          broadcaster,
		InboxOf:       inboxOf,
		JunkMailboxOf: inboxOf, // no dedicated Junk resolver wired yet; ham/spam routing
		Log:           logger,
	}
	engine.Local = &localDeliverer{pipeline: pipeline, store: s, mailboxOf: inboxOf}

	_ = lockMgr // consulted by the (out-of-scope) WebDAV/IMAP front ends before mutating a locked resource

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx, 5*time.Second)
		close(engineDone)
	}()

	metricsSrv := &http.Server{Addr: ":9180", Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", err)
		}
	}()

	logger.Msg("mailcored started", "hostname", hostname)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Msg("shutting down, draining in-flight deliveries")
	cancel()
	<-engineDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = broadcaster.Close()

	return nil
}

// newBroadcaster picks the push.Broadcaster implementation matching the
// store driver: a single process needs only LocalBroadcaster's in-memory
// fan-out, while a Postgres-backed deployment gets cluster-wide delivery
// over LISTEN/NOTIFY so every process sharing the database observes the
// same state changes (spec §5's "Channels").
func newBroadcaster(c *cli.Context) (push.Broadcaster, error) {
	if c.String("driver") != "postgres" {
		return push.NewLocal(), nil
	}
	dsn := strings.Join(c.StringSlice("dsn"), " ")
	return push.NewCluster(dsn, c.Bool("debug"))
}

// inboxOf resolves an account's Inbox mailbox document id. Account
// provisioning (creating the default Inbox/Junk/Sent/Trash mailbox set
// for a new account) is an external collaborator here — this stub
// resolves to mailbox document id 1, the convention this tree's
// provisioning tooling is expected to use for every account's Inbox.
func inboxOf(account uint32) uint32 { return 1 }

// defaultSnapshot builds the spec §6.4 default configuration: one virtual
// queue ("default") with the standard retry/notify/expiry schedule, MX
// routing for every domain, optional (not required) TLS everywhere, and
// groupware limits matching spec §6.4's stated defaults. A real
// deployment replaces this via Core.Swap once a config-loading surface
// is wired up (external collaborator, spec §1 Non-goals).
func defaultSnapshot() *coreconfig.Snapshot {
	return &coreconfig.Snapshot{
		Version: 1,
		VirtualQueues: map[string]coreconfig.QueueStrategy{
			"default": coreconfig.DefaultQueueStrategy("default"),
		},
		RouteOf: func(envelopeFrom, rcptDomain string) coreconfig.RouteStrategy {
			return coreconfig.RouteMX
		},
		RelayHostOf: func(rcptDomain string) string { return "" },
		TLSPolicyOf: func(rcptDomain string) coreconfig.TLSPolicy {
			return coreconfig.TLSPolicy{
				DANE:      coreconfig.TLSOptional,
				MTASTS:    coreconfig.TLSOptional,
				STARTTLS:  coreconfig.TLSOptional,
				TryMTASTS: true,
				ConnectTO: 30,
				CommandTO: 300,
			}
		},
		Groupware: coreconfig.GroupwareLimits{
			MaxICalSize:       1 << 20,
			MaxVCardSize:      1 << 20,
			MaxICalInstances:  10000,
			ITIPEnabled:       true,
			ITIPInboundMaxSz:  1 << 20,
			ITIPOutboundMaxRc: 100,
		},
		SpamEnabled:   false,
		UploadTmpTTLS: 86400,
	}
}
