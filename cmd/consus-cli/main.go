// Command consus-cli is an operator and scripting client for consus:
// it enrolls a local client certificate against a running node's CA
// and drives ad-hoc transactions against a txman group.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/consusdb/consus/pkg/client"
	"github.com/consusdb/consus/pkg/coordinator"
	"github.com/consusdb/consus/pkg/security"
	"github.com/consusdb/consus/pkg/wire"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "consus-cli: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "consus-cli",
	Short:   "command line client for consus",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("consus-cli %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("coordinator", "./consus-config.yaml", "path to the coordinator-published configuration file")
	rootCmd.PersistentFlags().String("cert-dir", "", "directory holding this CLI's client certificate (defaults to ~/.consus/certs/cli)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(txnCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "enroll a client certificate against a node's CA",
	RunE:  runInit,
}

func init() {
	flags := initCmd.Flags()
	flags.String("ca-dir", "", "a node's CA directory, e.g. <node-data>/ca (required)")
	flags.String("client-id", "", "identity to embed in the issued certificate (defaults to the local username)")
	initCmd.MarkFlagRequired("ca-dir")
}

func runInit(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	caDir, _ := flags.GetString("ca-dir")
	clientID, _ := flags.GetString("client-id")
	if clientID == "" {
		clientID = os.Getenv("USER")
		if clientID == "" {
			clientID = "cli"
		}
	}

	certDir, err := resolveCertDir(cmd)
	if err != nil {
		return err
	}

	ca := security.NewCertAuthority(caDir)
	if err := ca.LoadFromDisk(); err != nil {
		return fmt.Errorf("load CA from %s: %w", caDir, err)
	}

	cert, err := ca.IssueClientCertificate(clientID)
	if err != nil {
		return fmt.Errorf("issue client certificate: %w", err)
	}

	if err := security.WriteKeypair(certDir, cert); err != nil {
		return fmt.Errorf("save certificate: %w", err)
	}
	if err := security.WriteCACert(certDir, ca.GetRootCACert()); err != nil {
		return fmt.Errorf("save CA certificate: %w", err)
	}

	fmt.Printf("enrolled %s, certificate written to %s\n", clientID, certDir)
	return nil
}

var getCmd = &cobra.Command{
	Use:   "get TABLE KEY",
	Short: "read a single key in its own transaction",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := c.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	value, rc, err := tx.Read(ctx, []byte(args[0]), []byte(args[1]))
	if err != nil {
		tx.Abort(ctx)
		return fmt.Errorf("read: %w", err)
	}
	if rc != wire.SUCCESS {
		tx.Abort(ctx)
		return fmt.Errorf("read returned %s", rc)
	}

	if _, err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	fmt.Println(string(value))
	return nil
}

var putCmd = &cobra.Command{
	Use:   "put TABLE KEY VALUE",
	Short: "write a single key in its own transaction",
	Args:  cobra.ExactArgs(3),
	RunE:  runPut,
}

func runPut(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := c.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	rc, err := tx.Write(ctx, []byte(args[0]), []byte(args[1]), []byte(args[2]))
	if err != nil {
		tx.Abort(ctx)
		return fmt.Errorf("write: %w", err)
	}
	if rc != wire.SUCCESS {
		tx.Abort(ctx)
		return fmt.Errorf("write returned %s", rc)
	}

	rc, err = tx.Commit(ctx)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if rc != wire.COMMITTED {
		return fmt.Errorf("commit returned %s", rc)
	}

	fmt.Println("ok")
	return nil
}

var txnCmd = &cobra.Command{
	Use:   "txn",
	Short: "run a scripted multi-operation transaction read from stdin",
	Long: `txn reads one operation per line from stdin and runs them all in a
single transaction, committing at the end:

  GET table key
  PUT table key value

A GET prints its value to stdout as it executes. Any operation
returning a non-success code aborts the whole transaction.`,
	RunE: runTxn,
}

func runTxn(cmd *cobra.Command, _ []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tx, err := c.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		switch strings.ToUpper(fields[0]) {
		case "GET":
			if len(fields) != 3 {
				tx.Abort(ctx)
				return fmt.Errorf("malformed GET: %q", line)
			}
			value, rc, err := tx.Read(ctx, []byte(fields[1]), []byte(fields[2]))
			if err != nil {
				tx.Abort(ctx)
				return fmt.Errorf("read: %w", err)
			}
			if rc != wire.SUCCESS {
				tx.Abort(ctx)
				return fmt.Errorf("read %s/%s returned %s", fields[1], fields[2], rc)
			}
			fmt.Println(string(value))

		case "PUT":
			if len(fields) != 4 {
				tx.Abort(ctx)
				return fmt.Errorf("malformed PUT: %q", line)
			}
			rc, err := tx.Write(ctx, []byte(fields[1]), []byte(fields[2]), []byte(fields[3]))
			if err != nil {
				tx.Abort(ctx)
				return fmt.Errorf("write: %w", err)
			}
			if rc != wire.SUCCESS {
				tx.Abort(ctx)
				return fmt.Errorf("write %s/%s returned %s", fields[1], fields[2], rc)
			}

		default:
			tx.Abort(ctx)
			return fmt.Errorf("unknown operation: %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		tx.Abort(ctx)
		return fmt.Errorf("read script: %w", err)
	}

	rc, err := tx.Commit(ctx)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if rc != wire.COMMITTED {
		return fmt.Errorf("commit returned %s", rc)
	}

	fmt.Println("committed")
	return nil
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	coordPath, _ := cmd.Flags().GetString("coordinator")
	certDir, err := resolveCertDir(cmd)
	if err != nil {
		return nil, err
	}

	link, err := coordinator.NewFileLink(coordPath)
	if err != nil {
		return nil, fmt.Errorf("load coordinator configuration: %w", err)
	}

	c, err := client.NewWithCert(link.Current(), certDir)
	if err != nil {
		return nil, fmt.Errorf("load client certificate from %s: %w", certDir, err)
	}
	return c, nil
}

func resolveCertDir(cmd *cobra.Command) (string, error) {
	certDir, _ := cmd.Flags().GetString("cert-dir")
	if certDir != "" {
		return certDir, nil
	}
	return security.CLICertDir()
}
