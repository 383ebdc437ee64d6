// Command takebackctl administers the allocation store and contact flow
// associations without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/connect"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/api/middleware"
	"github.com/flowpbx/takeback/internal/association"
	"github.com/flowpbx/takeback/internal/config"
	"github.com/flowpbx/takeback/internal/database/models"
	"github.com/flowpbx/takeback/internal/storage"
)

const usage = `usage: takebackctl <command> [flags]

commands:
  seed          provision every gateway x routing number pair
  list          show all pairs and their state
  release       free one pair
  reap          free pairs claimed longer ago than -older-than
  associate     attach phone numbers to the contact flow
  disassociate  detach phone numbers from their contact flow
  token         issue an admin API token

Every command also accepts the server's configuration flags and
TAKEBACK_* environment variables.
`

type command func(ctx context.Context, args []string, out io.Writer) error

var commands = map[string]command{
	"seed":         runSeed,
	"list":         runList,
	"release":      runRelease,
	"reap":         runReap,
	"associate":    runAssociate,
	"disassociate": runDisassociate,
	"token":        runToken,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err := cmd(context.Background(), os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// splitList parses a comma separated flag value.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// openStore loads configuration and opens the configured backend.
func openStore(ctx context.Context, name string, args []string, extra func(*flag.FlagSet)) (*config.Config, *storage.Backend, *slog.Logger, error) {
	cfg, _, err := config.LoadArgs("takebackctl "+name, args, extra)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := slog.New(cfg.SlogHandler(os.Stderr))
	backend, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, backend, logger, nil
}

func runSeed(ctx context.Context, args []string, out io.Writer) error {
	var gateways, routings string
	_, backend, _, err := openStore(ctx, "seed", args, func(fs *flag.FlagSet) {
		fs.StringVar(&gateways, "gateway-numbers", "", "comma separated gateway numbers")
		fs.StringVar(&routings, "routing-numbers", "", "comma separated routing numbers")
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	n, err := allocator.Seed(ctx, backend, splitList(gateways), splitList(routings))
	if err != nil {
		return fmt.Errorf("seeding pairs (%d written): %w", n, err)
	}
	fmt.Fprintf(out, "seeded %d pairs\n", n)
	return nil
}

func runList(ctx context.Context, args []string, out io.Writer) error {
	var asJSON bool
	_, backend, _, err := openStore(ctx, "list", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	pairs, err := backend.List(ctx)
	if err != nil {
		return fmt.Errorf("listing pairs: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pairs)
	}
	return writePairTable(out, pairs)
}

func writePairTable(out io.Writer, pairs []models.Pair) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GATEWAY\tROUTING\tIN USE\tSESSION\tCALLER\tCLAIMED")
	for _, p := range pairs {
		claimed := "-"
		if p.ClaimedAt != nil {
			claimed = p.ClaimedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			p.GatewayNumber, p.RoutingNumber, p.InUse, dash(p.SessionID), dash(p.OriginalCaller), claimed)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runRelease(ctx context.Context, args []string, out io.Writer) error {
	var key models.PairKey
	_, backend, _, err := openStore(ctx, "release", args, func(fs *flag.FlagSet) {
		fs.StringVar(&key.GatewayNumber, "gateway-number", "", "gateway number of the pair")
		fs.StringVar(&key.RoutingNumber, "routing-number", "", "routing number of the pair")
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	if key.GatewayNumber == "" || key.RoutingNumber == "" {
		return errors.New("-gateway-number and -routing-number are required")
	}
	if err := allocator.New(backend).Release(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(out, "released %s/%s\n", key.GatewayNumber, key.RoutingNumber)
	return nil
}

func runReap(ctx context.Context, args []string, out io.Writer) error {
	var olderThan time.Duration
	cfg, backend, logger, err := openStore(ctx, "reap", args, func(fs *flag.FlagSet) {
		fs.DurationVar(&olderThan, "older-than", 0, "release pairs claimed longer than this ago (defaults to -lease-ttl)")
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	if olderThan == 0 {
		olderThan = cfg.LeaseTTL
	}
	if olderThan <= 0 {
		return errors.New("-older-than or -lease-ttl is required")
	}
	n, err := allocator.NewReaper(backend, olderThan, logger).ReapOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "released %d pairs\n", n)
	return nil
}

func runAssociate(ctx context.Context, args []string, out io.Writer) error {
	return runAssociation(ctx, "associate", args, out)
}

func runDisassociate(ctx context.Context, args []string, out io.Writer) error {
	return runAssociation(ctx, "disassociate", args, out)
}

func runAssociation(ctx context.Context, op string, args []string, out io.Writer) error {
	var numbers string
	cfg, _, err := config.LoadArgs("takebackctl "+op, args, func(fs *flag.FlagSet) {
		fs.StringVar(&numbers, "phone-numbers", "", "comma separated phone numbers")
	})
	if err != nil {
		return err
	}
	if cfg.ConnectInstanceID == "" {
		return errors.New("-connect-instance-id is required")
	}
	if op == "associate" && cfg.ConnectContactFlowID == "" {
		return errors.New("-connect-contact-flow-id is required")
	}

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	m := association.NewManager(connect.NewFromConfig(awsCfg), slog.New(cfg.SlogHandler(os.Stderr)))

	var report association.Report
	if op == "associate" {
		report, err = m.Associate(ctx, cfg.ConnectInstanceID, cfg.ConnectContactFlowID, splitList(numbers))
	} else {
		report, err = m.Disassociate(ctx, cfg.ConnectInstanceID, splitList(numbers))
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d numbers failed", len(report.Failed))
	}
	return nil
}

func runToken(_ context.Context, args []string, out io.Writer) error {
	var (
		subject string
		ttl     time.Duration
	)
	cfg, _, err := config.LoadArgs("takebackctl token", args, func(fs *flag.FlagSet) {
		fs.StringVar(&subject, "subject", "admin", "token subject")
		fs.DurationVar(&ttl, "ttl", middleware.DefaultTokenTTL, "token lifetime")
	})
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("-jwt-secret is required; a generated key would not match the server's")
	}
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	token, expires, err := middleware.GenerateAdminToken(secret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}
