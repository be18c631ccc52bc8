package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/concord-gov/concord/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	apiURL    string
	authToken string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "concord",
	Short: "Concord governance CLI",
	Long: `concord is the command-line interface for a Concord governance daemon.

It verifies the audit chain, manages constitutional amendments, inspects
the circuit breaker and partitions, and exports audit data.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("concord")
		viper.AutomaticEnv()

		if apiURL == "" {
			apiURL = viper.GetString("api")
		}
		if apiURL == "" {
			apiURL = "http://localhost:8090"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "governd base URL (default http://localhost:8090, env CONCORD_API)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "governance bearer token (env CONCORD_TOKEN)")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(amendmentsCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if authToken != "" {
		opts = append(opts, client.WithToken(authToken))
	}
	return client.New(apiURL, opts...)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// ── verify ───────────────────────────────────────────────────────────────

var (
	verifyDomainTag string
	verifyLimit     int
	verifyFrom      int64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the audit chain and report integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		res, err := newClient().Verify(ctx, client.VerifyOptions{
			DomainTag: verifyDomainTag,
			Limit:     verifyLimit,
			FromSeq:   verifyFrom,
		})
		if err != nil {
			return err
		}
		if res.Valid {
			fmt.Printf("chain OK (%d entries checked)\n", res.Checked)
			return nil
		}
		fmt.Fprintf(os.Stderr, "chain BROKEN at seq %d (domain tag %s), %d entries checked\n",
			res.BrokenAt, res.BrokenDomainTag, res.Checked)
		os.Exit(1)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyDomainTag, "domain-tag", "", "verify a single sub-ledger")
	verifyCmd.Flags().IntVar(&verifyLimit, "limit", 0, "cap the number of entries checked")
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", 0, "start the walk at this sequence number")
}

// ── ledger ───────────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the chain heads and entry count",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		overview, err := newClient().Ledger(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("total entries: %d\n\n", overview.Entries)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DOMAIN TAG\tSEQ\tHEAD\tUPDATED")
		for _, h := range overview.Chains {
			fmt.Fprintf(w, "%s\t%d\t%.16s…\t%s\n",
				h.DomainTag, h.Seq, h.EntryHash, h.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// ── breaker ──────────────────────────────────────────────────────────────

var breakerResetTag string

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Show the audit circuit breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		snap, err := newClient().Breaker(ctx)
		if err != nil {
			return err
		}
		printBreaker(snap)
		return nil
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Lift the quarantine for one domain tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		snap, err := newClient().ResetBreaker(ctx, breakerResetTag)
		if err != nil {
			return err
		}
		fmt.Printf("breaker reset for %s\n", breakerResetTag)
		printBreaker(snap)
		return nil
	},
}

func printBreaker(snap *client.BreakerSnapshot) {
	fmt.Printf("state: %s\n", snap.State)
	for _, tag := range snap.AffectedDomainTags {
		fmt.Printf("  quarantined: %s\n", tag)
	}
}

func init() {
	breakerResetCmd.Flags().StringVar(&breakerResetTag, "domain-tag", "", "domain tag to reset")
	_ = breakerResetCmd.MarkFlagRequired("domain-tag")
	breakerCmd.AddCommand(breakerResetCmd)
}

// ── partitions ───────────────────────────────────────────────────────────

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Show the audit table's partition layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		infos, err := newClient().Partitions(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PARTITION\tFROM\tTO\tSIZE")
		for _, p := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Name, p.RangeStart, p.RangeEnd, p.SizeBytes)
		}
		return w.Flush()
	},
}

// ── amendments ───────────────────────────────────────────────────────────

var amendmentsCmd = &cobra.Command{
	Use:   "amendments",
	Short: "Manage constitutional amendments",
}

var amendmentsListStatus string

var amendmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List amendments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		list, err := newClient().Amendments(ctx, amendmentsListStatus, 100)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPARAMETER\tTHRESHOLD\tEFFECTIVE")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\n",
				a.ID, a.Status, a.ParameterKey, a.ApprovalThreshold,
				a.EffectiveAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var amendmentsGetCmd = &cobra.Command{
	Use:   "get <amendment-id>",
	Short: "Fetch one amendment with its votes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		a, err := newClient().Amendment(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(a)
	},
}

var (
	proposeType      string
	proposeKey       string
	proposeValue     string
	proposeThreshold float64
	proposeEffective string
	proposeBy        string
)

var amendmentsProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose a parameter amendment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		effectiveAt, err := time.Parse(time.RFC3339, proposeEffective)
		if err != nil {
			return fmt.Errorf("--effective-at must be RFC 3339: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(proposeValue), &value); err != nil {
			// Not valid JSON; treat it as a bare string value.
			value = proposeValue
		}

		a, err := newClient().Propose(ctx, client.ProposeRequest{
			AmendmentType:     proposeType,
			ProposedBy:        proposeBy,
			EffectiveAt:       effectiveAt,
			ParameterKey:      proposeKey,
			ProposedValue:     value,
			ApprovalThreshold: proposeThreshold,
		})
		if err != nil {
			return err
		}
		fmt.Printf("proposed %s (effective %s)\n", a.ID, a.EffectiveAt.Format(time.RFC3339))
		return nil
	},
}

var (
	voteDecision  string
	voteTier      string
	voteVoter     string
	voteRationale string
)

var amendmentsVoteCmd = &cobra.Command{
	Use:   "vote <amendment-id>",
	Short: "Cast a conviction-weighted ballot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		out, err := newClient().Vote(ctx, args[0], client.VoteRequest{
			VoterID:   voteVoter,
			Decision:  voteDecision,
			Tier:      voteTier,
			Rationale: voteRationale,
		})
		if err != nil {
			return err
		}
		fmt.Printf("amendment %s is now %s (approve %.1f / reject %.1f, %d voters)\n",
			out.Amendment.ID, out.Amendment.Status,
			out.Result.ApproveWeight, out.Result.RejectWeight, out.Result.VoterCount)
		if out.Result.HasSovereignVeto {
			fmt.Println("sovereign veto recorded")
		}
		return nil
	},
}

var enactBy string

var amendmentsEnactCmd = &cobra.Command{
	Use:   "enact <amendment-id>",
	Short: "Apply an approved amendment at or after its effective time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		a, err := newClient().Enact(ctx, args[0], enactBy)
		if err != nil {
			return err
		}
		fmt.Printf("enacted %s: %s now at version %d\n", a.ID, a.ParameterKey, a.ParameterVersion+1)
		return nil
	},
}

func init() {
	amendmentsListCmd.Flags().StringVar(&amendmentsListStatus, "status", "", "filter by status")

	amendmentsProposeCmd.Flags().StringVar(&proposeType, "type", "parameter_change", "amendment type")
	amendmentsProposeCmd.Flags().StringVar(&proposeKey, "key", "", "governed parameter key")
	amendmentsProposeCmd.Flags().StringVar(&proposeValue, "value", "", "proposed value (JSON or bare string)")
	amendmentsProposeCmd.Flags().Float64Var(&proposeThreshold, "threshold", 0, "approval weight threshold")
	amendmentsProposeCmd.Flags().StringVar(&proposeEffective, "effective-at", "", "RFC 3339 effective time")
	amendmentsProposeCmd.Flags().StringVar(&proposeBy, "by", "", "proposer id (ignored when a token is set)")
	_ = amendmentsProposeCmd.MarkFlagRequired("key")
	_ = amendmentsProposeCmd.MarkFlagRequired("value")
	_ = amendmentsProposeCmd.MarkFlagRequired("threshold")
	_ = amendmentsProposeCmd.MarkFlagRequired("effective-at")

	amendmentsVoteCmd.Flags().StringVar(&voteDecision, "decision", "", "approve or reject")
	amendmentsVoteCmd.Flags().StringVar(&voteTier, "tier", "", "governance tier (ignored when a token is set)")
	amendmentsVoteCmd.Flags().StringVar(&voteVoter, "voter", "", "voter id (ignored when a token is set)")
	amendmentsVoteCmd.Flags().StringVar(&voteRationale, "rationale", "", "optional rationale")
	_ = amendmentsVoteCmd.MarkFlagRequired("decision")

	amendmentsEnactCmd.Flags().StringVar(&enactBy, "by", "", "enactor id (ignored when a token is set)")

	amendmentsCmd.AddCommand(amendmentsListCmd)
	amendmentsCmd.AddCommand(amendmentsGetCmd)
	amendmentsCmd.AddCommand(amendmentsProposeCmd)
	amendmentsCmd.AddCommand(amendmentsVoteCmd)
	amendmentsCmd.AddCommand(amendmentsEnactCmd)
}

// ── expire ───────────────────────────────────────────────────────────────

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run the stale-amendment expiry sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		n, err := newClient().ExpireStale(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("expired %d amendment(s)\n", n)
		return nil
	},
}

// ── stats ────────────────────────────────────────────────────────────────

var statsDomainTag string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate audit stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		st, err := newClient().Stats(ctx, client.EventFilter{DomainTag: statsDomainTag})
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsDomainTag, "domain-tag", "", "restrict to one sub-ledger")
}

// ── export ───────────────────────────────────────────────────────────────

var (
	exportOut        string
	exportDomainTag  string
	exportEventType  string
	exportProvenance bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Stream the JSON Lines training export",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		n, err := newClient().Export(ctx, client.EventFilter{
			DomainTag: exportDomainTag,
			EventType: exportEventType,
		}, exportProvenance, out)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d record(s)\n", n)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout)")
	exportCmd.Flags().StringVar(&exportDomainTag, "domain-tag", "", "restrict to one sub-ledger")
	exportCmd.Flags().StringVar(&exportEventType, "event-type", "", "restrict to one event type")
	exportCmd.Flags().BoolVar(&exportProvenance, "provenance", false, "include hash-chain provenance per record")
}

// ── version ──────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the concord CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("concord %s\n", version)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
