package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/session"
)

func init() {
	sessionCmd := &cobra.Command{Use: "session", Short: "Dev session credentials"}

	var (
		issuer       keyFlags
		owner        string
		signer       string
		program      string
		instructions []string
		ttl          time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token signed by a dev issuer key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := issuer.load()
			if err != nil {
				return err
			}
			ownerKey, err := chain.ParsePublicKey(owner)
			if err != nil {
				return fmt.Errorf("owner: %w", err)
			}
			signerKey, err := chain.ParsePublicKey(signer)
			if err != nil {
				return fmt.Errorf("signer: %w", err)
			}
			iss := session.NewIssuer(kp)
			token, err := iss.IssueFor(ownerKey, signerKey, program, instructions, time.Now().UTC(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "issuer: %s\ntoken:  %s\n", iss.PublicKey(), token)
			return nil
		},
	}
	issuer.register(issueCmd, "issuer-")
	issueCmd.Flags().StringVar(&owner, "owner", "", "authority public key the session acts for")
	issueCmd.Flags().StringVar(&signer, "signer", "", "session public key")
	issueCmd.Flags().StringVar(&program, "program", "counter", "program the session covers")
	issueCmd.Flags().StringSliceVar(&instructions, "instructions", nil, "instructions covered, all when empty")
	issueCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "session lifetime")
	_ = issueCmd.MarkFlagRequired("owner")
	_ = issueCmd.MarkFlagRequired("signer")

	sessionCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(sessionCmd)
}
