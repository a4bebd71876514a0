package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/guard"
	"github.com/jmerrifield20/ledgerpublisher/internal/publish"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var pubDate string

func bundleDir() (string, error) {
	if err := bundle.ValidateDate(pubDate); err != nil {
		return "", err
	}
	return bundle.Dir(viper.GetString("output.dir"), pubDate), nil
}

func newPublisher(ctx context.Context) (*publish.Publisher, func(), error) {
	lookup, claimer, closeRemote, err := openRemote(ctx)
	if err != nil {
		return nil, nil, err
	}
	if kind := viper.GetString("guard.remote"); kind == "none" || kind == "" {
		logger.Warn("guard.remote is none: every date looks unpublished, so the append-only guard cannot reject a conflicting publish",
			zap.String("site_dir", viper.GetString("publish.site_dir")))
	}
	g := guard.New(lookup, viper.GetDuration("guard.timeout"), logger)

	opts := []publish.Option{publish.WithSiteDir(viper.GetString("publish.site_dir"))}
	if claimer != nil {
		opts = append(opts, publish.WithClaimer(claimer))
	}

	profile, err := loadProfile()
	if err != nil {
		closeRemote()
		return nil, nil, err
	}
	chain, closeChain, err := openChain(ctx, profile.ProfileID)
	if err != nil {
		closeRemote()
		return nil, nil, err
	}
	notifier := newNotifier()
	opts = append(opts, publish.WithChain(chain), publish.WithNotifier(notifier))

	closeAll := func() {
		notifier.Wait()
		closeChain()
		closeRemote()
	}
	return publish.New(g, logger, opts...), closeAll, nil
}

func printOutcome(out guard.Outcome) {
	fmt.Printf("State:       %s\n", out.State)
	fmt.Printf("Decision:    %s\n", out.Decision)
	fmt.Printf("Local hash:  %s\n", out.LocalHash)
	if out.RemoteHash != "" {
		fmt.Printf("Remote hash: %s\n", out.RemoteHash)
	}
}

func printConflict(err error) {
	var conflict *guard.TamperOrConflictError
	if !errors.As(err, &conflict) {
		return
	}
	fmt.Println("Differing fields:")
	for _, f := range conflict.Fields {
		fmt.Printf("  %s\n", f)
	}
}

// ── guard ────────────────────────────────────────────────────────────────────

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Check a local bundle against the published manifest without publishing",
	Long: `Guard asks the configured remote (guard.remote) whether a manifest is
already published for the bundle's date and prints the decision:

  allow             nothing published yet
  allow_idempotent  the identical manifest is already published
  reject            a different manifest is published for the date
  abstain           the remote could not be checked

Exits non-zero on reject and abstain.`,
	RunE: runGuard,
}

func init() {
	guardCmd.Flags().StringVarP(&pubDate, "date", "d", "", "Bundle date (YYYY-MM-DD)")
	_ = guardCmd.MarkFlagRequired("date")
}

func runGuard(cmd *cobra.Command, args []string) error {
	dir, err := bundleDir()
	if err != nil {
		return err
	}
	b, err := bundle.Open(dir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	lookup, _, closeRemote, err := openRemote(ctx)
	if err != nil {
		return err
	}
	defer closeRemote()

	out, err := guard.New(lookup, viper.GetDuration("guard.timeout"), logger).Check(ctx, b.Manifest)
	printOutcome(out)
	printConflict(err)
	return err
}

// ── publish ──────────────────────────────────────────────────────────────────

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a built bundle",
	Long: `Publish audits the local bundle, runs the append-only guard, claims the
date in the remote store when it supports an atomic insert-if-absent,
copies the bundle to <publish.site_dir>/proofs/<date>/ and appends its
checkpoint to the checkpoint chain.

A reject or abstain decision leaves everything untouched.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&pubDate, "date", "d", "", "Bundle date (YYYY-MM-DD)")
	_ = publishCmd.MarkFlagRequired("date")
}

func runPublish(cmd *cobra.Command, args []string) error {
	dir, err := bundleDir()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pub, closeAll, err := newPublisher(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	rep, err := pub.Publish(ctx, dir)
	if rep != nil {
		fmt.Printf("Date:        %s\n", rep.Date)
		fmt.Printf("Decision:    %s\n", rep.Decision)
		fmt.Printf("Manifest:    %s\n", rep.ManifestHash)
		fmt.Printf("Checkpoint:  %s\n", rep.CheckpointHash)
		fmt.Printf("Claimed:     %t\n", rep.Claimed)
		fmt.Printf("Copied:      %t\n", rep.Copied)
	}
	printConflict(err)
	return err
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Re-verify a bundle and re-check it against the published manifest",
	Long: `Audit recomputes every file hash, the Merkle tree, every proof and the
checkpoint of a local bundle, then re-runs the guard against the remote.
A conflict reported here means the published day was overwritten after
this bundle was published.`,
	RunE: runAudit,
}

var auditSkipRemote bool

func init() {
	auditCmd.Flags().StringVarP(&pubDate, "date", "d", "", "Bundle date (YYYY-MM-DD)")
	auditCmd.Flags().BoolVar(&auditSkipRemote, "local", false, "Only audit the local bundle")
	_ = auditCmd.MarkFlagRequired("date")
}

func runAudit(cmd *cobra.Command, args []string) error {
	dir, err := bundleDir()
	if err != nil {
		return err
	}
	b, err := bundle.Open(dir)
	if err != nil {
		return err
	}
	// Audit checks this against the profile_sha256 in the bundle's profile.json.
	profile, err := b.LoadProfile(viper.GetString("profile.dir"))
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := b.Audit(ctx, profile); err != nil {
		var ae *bundle.AuditError
		if errors.As(err, &ae) {
			for _, p := range ae.Problems {
				fmt.Printf("  %s\n", p)
			}
		}
		return err
	}
	fmt.Printf("Bundle %s: OK (%d records, root %s)\n", pubDate, b.Manifest.TotalRecords, b.Manifest.MerkleRoot)

	if auditSkipRemote {
		return nil
	}
	pub, closeAll, err := newPublisher(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	out, err := pub.Recheck(ctx, dir)
	printOutcome(out)
	printConflict(err)
	if errors.Is(err, guard.ErrConflict) {
		logger.Error("published manifest differs from local bundle",
			zap.String("date", pubDate),
			zap.String("local", out.LocalHash),
			zap.String("remote", out.RemoteHash),
		)
	}
	return err
}
