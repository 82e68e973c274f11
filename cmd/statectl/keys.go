package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
)

// keyFlags selects a signing key: an explicit hex scalar, or a dev key
// derived from a seed and label.
type keyFlags struct {
	hex   string
	seed  string
	label string
}

func (k *keyFlags) register(cmd *cobra.Command, prefix string) {
	cmd.Flags().StringVar(&k.hex, prefix+"key", "", "hex encoded private key")
	cmd.Flags().StringVar(&k.seed, prefix+"seed", "", "derive a dev key from this seed")
	cmd.Flags().StringVar(&k.label, prefix+"label", "default", "label for seed derivation")
}

func (k *keyFlags) load() (*chain.Keypair, error) {
	switch {
	case k.hex != "":
		return chain.KeypairFromHex(k.hex)
	case k.seed != "":
		return chain.KeypairFromSeed([]byte(k.seed), k.label)
	default:
		return nil, fmt.Errorf("a key is required: pass --key or --seed")
	}
}

func parseKind(s string) (account.Kind, error) {
	switch k := account.Kind(s); k {
	case account.KindCounter, account.KindCity:
		return k, nil
	default:
		return "", fmt.Errorf("unknown account kind %q", s)
	}
}

func init() {
	var gen keyFlags
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a keypair, or derive one with --seed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				kp  *chain.Keypair
				err error
			)
			if gen.seed != "" {
				kp, err = gen.load()
			} else {
				kp, err = chain.GenerateKeypair()
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private: %s\npublic:  %s\n", kp.Hex(), kp.PublicKey())
			return nil
		},
	}
	keygenCmd.Flags().StringVar(&gen.seed, "seed", "", "derive the key from this seed")
	keygenCmd.Flags().StringVar(&gen.label, "label", "default", "label for seed derivation")

	var (
		addrKey keyFlags
		pubkey  string
		kind    string
	)
	addressCmd := &cobra.Command{
		Use:   "address",
		Short: "Print the account address of an authority for a kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			var authority chain.PublicKey
			if pubkey != "" {
				if authority, err = chain.ParsePublicKey(pubkey); err != nil {
					return err
				}
			} else {
				kp, err := addrKey.load()
				if err != nil {
					return err
				}
				authority = kp.PublicKey()
			}
			fmt.Fprintln(cmd.OutOrStdout(), chain.AccountAddress(authority, string(k)))
			return nil
		},
	}
	addrKey.register(addressCmd, "")
	addressCmd.Flags().StringVar(&pubkey, "pubkey", "", "authority public key, instead of a private key")
	addressCmd.Flags().StringVar(&kind, "kind", string(account.KindCounter), "account kind: counter or city")

	rootCmd.AddCommand(keygenCmd, addressCmd)
}
