// Command txmand is the transaction manager daemon: it runs one member
// of a TXMAN Paxos group, coordinating client transactions against the
// kvs replicas named by the cluster's current configuration.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/consusdb/consus/pkg/coordinator"
	"github.com/consusdb/consus/pkg/dispatch"
	"github.com/consusdb/consus/pkg/events"
	"github.com/consusdb/consus/pkg/health"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/log"
	"github.com/consusdb/consus/pkg/metrics"
	"github.com/consusdb/consus/pkg/paxos"
	"github.com/consusdb/consus/pkg/reconciler"
	"github.com/consusdb/consus/pkg/security"
	"github.com/consusdb/consus/pkg/txn"
	"github.com/consusdb/consus/pkg/wire"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "txmand: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "txmand",
	Short:   "consus transaction manager daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("txmand %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.Bool("daemonize", false, "write logs to a file under --log instead of stderr (the process stays in the foreground)")
	flags.String("data", "./txmand-data", "data directory for this group's replicated log and CA material")
	flags.String("log", "", "directory to write the daemon's log file to when --daemonize is set")
	flags.String("pidfile", "", "path to write this process's pid to")
	flags.String("listen", "127.0.0.1:9200", "address to accept client and replica connections on")
	flags.String("coordinator", "./consus-config.yaml", "path to the coordinator-published configuration file")
	flags.String("data-center", "", "name of the data center this daemon runs in")
	flags.Int("threads", 4, "worker pool size per accepted connection")
	flags.String("metrics-listen", "127.0.0.1:9290", "address to serve /metrics, /health, /ready and /live on")
	flags.Bool("enable-pprof", false, "expose net/http/pprof endpoints on --metrics-listen")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit structured JSON logs instead of console format")

	flags.Uint64("txman-id", 0, "this daemon's txman id, looked up in the coordinator configuration")
	flags.Uint64("group-id", 0, "the paxos group id this txman belongs to (required)")
	flags.String("node-id", "", "raft local id for this group member (defaults to --listen)")
	flags.String("raft-bind", "127.0.0.1:9201", "address for raft-to-raft traffic within the group")
	flags.Bool("bootstrap", false, "bootstrap a brand new group from this node plus the group's other members in the coordinator configuration")
	rootCmd.MarkFlagRequired("group-id")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	dataDir, _ := flags.GetString("data")
	logDir, _ := flags.GetString("log")
	pidfile, _ := flags.GetString("pidfile")
	listenAddr, _ := flags.GetString("listen")
	coordPath, _ := flags.GetString("coordinator")
	dataCenter, _ := flags.GetString("data-center")
	threads, _ := flags.GetInt("threads")
	metricsAddr, _ := flags.GetString("metrics-listen")
	pprofEnabled, _ := flags.GetBool("enable-pprof")
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	daemonize, _ := flags.GetBool("daemonize")

	groupIDRaw, _ := flags.GetUint64("group-id")
	groupID := ids.PaxosGroupID(groupIDRaw)
	txmanIDRaw, _ := flags.GetUint64("txman-id")
	txmanID := ids.TxmanID(txmanIDRaw)
	nodeID, _ := flags.GetString("node-id")
	raftBind, _ := flags.GetString("raft-bind")
	bootstrap, _ := flags.GetBool("bootstrap")

	if nodeID == "" {
		nodeID = listenAddr
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logOutput, closeLog, err := openLogOutput(daemonize, logDir, "txmand")
	if err != nil {
		return err
	}
	defer closeLog()
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON, Output: logOutput})

	if pidfile != "" {
		if err := writePidfile(pidfile); err != nil {
			return err
		}
		defer os.Remove(pidfile)
	}

	logger := log.WithComponent("txmand")
	logger.Info().Str("data_center", dataCenter).Uint64("group_id", uint64(groupID)).Msg("starting")

	link, err := coordinator.NewFileLink(coordPath)
	if err != nil {
		return fmt.Errorf("load coordinator configuration: %w", err)
	}
	cfg := link.Current()

	tlsCfg, ca, err := setupTLS(dataDir, nodeID, "txman", listenAddr)
	if err != nil {
		return fmt.Errorf("initialize security: %w", err)
	}
	_ = ca

	replicas := dispatch.NewConfigReplicas(cfg, tlsCfg)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	manager := txn.NewManager(groupID, replicas, replicas)
	manager.SetEvents(broker)

	group, err := paxos.Open(dataDir, nodeID, raftBind, groupID, manager.Applier())
	if err != nil {
		return fmt.Errorf("open paxos group: %w", err)
	}
	manager.Attach(group)

	if bootstrap {
		servers := map[string]string{nodeID: raftBind}
		if g, ok := cfg.Group(groupID); ok {
			for _, memberID := range g.Members {
				if t, ok := cfg.TxmanByID(memberID); ok && t.ID != txmanID {
					servers[fmt.Sprintf("%d", t.ID)] = t.Bind
				}
			}
		}
		if err := group.Bootstrap(servers); err != nil {
			logger.Warn().Err(err).Msg("bootstrap failed (already bootstrapped?)")
		}
	}

	collector := metrics.NewCollector([]*paxos.Group{group}, nil)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	monitor := health.NewMonitor(health.DefaultConfig(), broker)
	replicas.SetHealth(monitor)
	monitor.Start()
	defer monitor.Stop()

	recon := reconciler.New(link, 5*time.Second, broker, replicas, monitor)
	recon.Start()
	defer recon.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "group opened")
	metrics.RegisterComponent("datalayer", true, "not applicable to txman")
	metrics.RegisterComponent("wire", false, "listener not started")

	listener, err := wire.Listen(listenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	metrics.RegisterComponent("wire", true, "listening on "+listenAddr)

	pool := dispatch.NewPool(threads)
	txman := dispatch.NewTxman(manager)

	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				acceptErrCh <- err
				return
			}
			pool.Serve(conn, txman.Handle)
		}
	}()

	go serveMetrics(metricsAddr, pprofEnabled)

	logger.Info().Str("listen", listenAddr).Str("metrics", metricsAddr).Msg("txmand ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-acceptErrCh:
		logger.Warn().Err(err).Msg("listener stopped")
	}

	_ = listener.Close()
	pool.Wait()
	if err := group.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("raft shutdown")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// setupTLS loads (or bootstraps, on first run) the cluster CA rooted at
// dataDir/ca and issues this daemon a node certificate for role,
// returning a mutual-TLS server configuration: present cert is the
// daemon's own, RootCAs/ClientCAs are the cluster CA so peer daemons
// and clients holding a certificate from the same CA are accepted.
func setupTLS(dataDir, nodeID, role, listenAddr string) (*tls.Config, *security.CertAuthority, error) {
	caDir := filepath.Join(dataDir, "ca")
	if err := os.MkdirAll(caDir, 0755); err != nil {
		return nil, nil, err
	}

	ca := security.NewCertAuthority(caDir)
	if err := ca.LoadFromDisk(); err != nil {
		if err := ca.Initialize(); err != nil {
			return nil, nil, fmt.Errorf("initialize CA: %w", err)
		}
		if err := ca.SaveToDisk(); err != nil {
			return nil, nil, fmt.Errorf("save CA: %w", err)
		}
	}

	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host = listenAddr
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	}

	cert, err := ca.IssueNodeCertificate(nodeID, role, []string{host}, ips)
	if err != nil {
		return nil, nil, fmt.Errorf("issue node certificate: %w", err)
	}

	rootDER := ca.GetRootCACert()
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root CA: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, ca, nil
}

func serveMetrics(addr string, pprofEnabled bool) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if pprofEnabled {
		mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
	}
	_ = http.ListenAndServe(addr, mux)
}

func openLogOutput(daemonize bool, logDir, name string) (*os.File, func(), error) {
	if !daemonize {
		return os.Stdout, func() {}, nil
	}
	if logDir == "" {
		return nil, nil, fmt.Errorf("--log is required when --daemonize is set")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(logDir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func writePidfile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
