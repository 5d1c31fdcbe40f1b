// Command kvsd is the kvs daemon: it serves one replica's durable,
// multi-versioned slice of the keyspace to txman groups, and streams
// its data out to a gaining replica when a partition migrates away.
package main

import (
	"context"
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

	"github.com/consusdb/consus/pkg/datalayer"
	"github.com/consusdb/consus/pkg/dispatch"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/log"
	"github.com/consusdb/consus/pkg/metrics"
	"github.com/consusdb/consus/pkg/migrate"
	"github.com/consusdb/consus/pkg/security"
	"github.com/consusdb/consus/pkg/wire"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kvsd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kvsd",
	Short:   "consus kvs daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kvsd %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the kvs daemon in the foreground",
	RunE:  runDaemon,
}

func init() {
	flags := serveCmd.Flags()
	flags.Bool("daemonize", false, "write logs to a file under --log instead of stderr (the process stays in the foreground)")
	flags.String("data", "./kvsd-data", "data directory for this replica's datalayer and CA material")
	flags.String("log", "", "directory to write the daemon's log file to when --daemonize is set")
	flags.String("pidfile", "", "path to write this process's pid to")
	flags.String("listen", "127.0.0.1:9300", "address to accept replicated and raw read/write/lock connections on")
	flags.String("data-center", "", "name of the data center this daemon runs in")
	flags.Int("threads", 4, "worker pool size per accepted connection")
	flags.String("metrics-listen", "127.0.0.1:9390", "address to serve /metrics, /health, /ready and /live on")
	flags.Bool("enable-pprof", false, "expose net/http/pprof endpoints on --metrics-listen")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit structured JSON logs instead of console format")

	flags.Uint64("kvs-id", 0, "this replica's kvs id (required)")
	flags.String("node-id", "", "node identity presented in this daemon's certificate (defaults to --listen)")
	serveCmd.MarkFlagRequired("kvs-id")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	dataDir, _ := flags.GetString("data")
	logDir, _ := flags.GetString("log")
	pidfile, _ := flags.GetString("pidfile")
	listenAddr, _ := flags.GetString("listen")
	dataCenter, _ := flags.GetString("data-center")
	threads, _ := flags.GetInt("threads")
	metricsAddr, _ := flags.GetString("metrics-listen")
	pprofEnabled, _ := flags.GetBool("enable-pprof")
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	daemonize, _ := flags.GetBool("daemonize")

	kvsIDRaw, _ := flags.GetUint64("kvs-id")
	kvsID := ids.KVSID(kvsIDRaw)
	nodeID, _ := flags.GetString("node-id")
	if nodeID == "" {
		nodeID = listenAddr
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logOutput, closeLog, err := openLogOutput(daemonize, logDir, "kvsd")
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

	logger := log.WithComponent("kvsd")
	logger.Info().Str("data_center", dataCenter).Uint64("kvs_id", uint64(kvsID)).Msg("starting")

	tlsCfg, err := setupTLS(dataDir, nodeID, "kvs", listenAddr)
	if err != nil {
		return fmt.Errorf("initialize security: %w", err)
	}

	dataPath := filepath.Join(dataDir, "store.db")
	data, err := datalayer.Open(dataPath)
	if err != nil {
		return fmt.Errorf("open datalayer %s: %w", dataPath, err)
	}
	defer data.Close()

	kvs := dispatch.NewKVS(kvsID, data)

	collector := metrics.NewCollector(nil, data)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "not applicable to kvs")
	metrics.RegisterComponent("datalayer", true, "opened "+dataPath)
	metrics.RegisterComponent("wire", false, "listener not started")

	listener, err := wire.Listen(listenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	metrics.RegisterComponent("wire", true, "listening on "+listenAddr)

	pool := dispatch.NewPool(threads)

	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				acceptErrCh <- err
				return
			}
			pool.Serve(conn, kvs.Handle)
		}
	}()

	go serveMetrics(metricsAddr, pprofEnabled)

	logger.Info().Str("listen", listenAddr).Str("metrics", metricsAddr).Msg("kvsd ready")

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
	logger.Info().Msg("shutdown complete")
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "stream a partition out to the gaining replica",
	RunE:  runMigrate,
}

func init() {
	flags := migrateCmd.Flags()
	flags.String("data", "./kvsd-data", "data directory holding the datalayer to migrate out of")
	flags.Uint64("partition", 0, "partition id being reassigned (required)")
	flags.String("to", "", "address of the gaining replica (required)")
	flags.String("cert-dir", "", "directory holding this node's client certificate and the cluster CA (defaults to --data/ca)")
	migrateCmd.MarkFlagRequired("partition")
	migrateCmd.MarkFlagRequired("to")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	dataDir, _ := flags.GetString("data")
	partitionRaw, _ := flags.GetUint64("partition")
	partition := ids.PartitionID(partitionRaw)
	to, _ := flags.GetString("to")
	certDir, _ := flags.GetString("cert-dir")
	if certDir == "" {
		certDir = filepath.Join(dataDir, "ca")
	}

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("kvsd-migrate")

	tlsCfg, err := loadClientTLS(certDir)
	if err != nil {
		return fmt.Errorf("load migration credentials: %w", err)
	}

	dataPath := filepath.Join(dataDir, "store.db")
	data, err := datalayer.Open(dataPath)
	if err != nil {
		return fmt.Errorf("open datalayer %s: %w", dataPath, err)
	}
	defer data.Close()

	sender := &dialSender{addr: to, tlsCfg: tlsCfg}
	defer sender.close()

	m := migrate.New(data, sender)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger.Info().Uint64("partition", uint64(partition)).Str("to", to).Msg("starting migration")
	if err := m.Run(ctx, partition); err != nil {
		return fmt.Errorf("migrate partition %d to %s: %w", partition, to, err)
	}
	logger.Info().Uint64("partition", uint64(partition)).Msg("migration complete")
	return nil
}

// dialSender implements migrate.Sender by dialing the gaining replica
// once and reusing the connection for every batch in a run; kvsd
// serve's listener handles the MIGRATE_SYN/MIGRATE_ACK exchange on the
// receiving end via dispatch.KVS.Handle.
type dialSender struct {
	addr   string
	tlsCfg *tls.Config
	conn   *wire.Conn
}

func (s *dialSender) Send(_ context.Context, batch wire.MigrateSyn) (wire.MigrateAck, error) {
	if s.conn == nil {
		conn, err := wire.Dial(s.addr, s.tlsCfg)
		if err != nil {
			return wire.MigrateAck{}, fmt.Errorf("dial %s: %w", s.addr, err)
		}
		s.conn = conn
	}

	if err := s.conn.Send(wire.Message{Type: wire.MIGRATE_SYN, Payload: batch.Encode()}); err != nil {
		s.conn.Close()
		s.conn = nil
		return wire.MigrateAck{}, fmt.Errorf("send batch %d: %w", batch.BatchID, err)
	}

	resp, err := s.conn.Recv()
	if err != nil {
		s.conn.Close()
		s.conn = nil
		return wire.MigrateAck{}, fmt.Errorf("recv ack for batch %d: %w", batch.BatchID, err)
	}
	if resp.Type != wire.MIGRATE_ACK {
		return wire.MigrateAck{}, fmt.Errorf("unexpected reply type %s for batch %d", resp.Type, batch.BatchID)
	}
	return wire.DecodeMigrateAck(resp.Payload)
}

func (s *dialSender) close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// setupTLS loads (or bootstraps, on first run) the cluster CA rooted at
// dataDir/ca and issues this daemon a node certificate for role.
func setupTLS(dataDir, nodeID, role, listenAddr string) (*tls.Config, error) {
	caDir := filepath.Join(dataDir, "ca")
	if err := os.MkdirAll(caDir, 0755); err != nil {
		return nil, err
	}

	ca := security.NewCertAuthority(caDir)
	if err := ca.LoadFromDisk(); err != nil {
		if err := ca.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize CA: %w", err)
		}
		if err := ca.SaveToDisk(); err != nil {
			return nil, fmt.Errorf("save CA: %w", err)
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
		return nil, fmt.Errorf("issue node certificate: %w", err)
	}

	// Persist the issued credentials so a later 'kvsd migrate' run can
	// dial the gaining replica with this daemon's identity.
	if err := security.WriteKeypair(caDir, cert); err != nil {
		return nil, err
	}
	if err := security.WriteCACert(caDir, ca.GetRootCACert()); err != nil {
		return nil, err
	}

	pool, err := rootPool(ca)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// loadClientTLS loads a previously issued client certificate for the
// migration sender out of certDir (populated by a prior 'kvsd serve'
// or 'consus-cli init' run against the same CA).
func loadClientTLS(certDir string) (*tls.Config, error) {
	cert, err := security.ReadKeypair(certDir)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	caCert, err := security.ReadCACert(certDir)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func rootPool(ca *security.CertAuthority) (*x509.CertPool, error) {
	rootDER := ca.GetRootCACert()
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("parse root CA: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)
	return pool, nil
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
