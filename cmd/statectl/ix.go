package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/instruction"
)

type ixFlags struct {
	key       keyFlags
	program   string
	name      string
	account   string
	value     uint64
	x, y      uint8
	building  uint8
	validator string
	session   string
}

func (f *ixFlags) register(cmd *cobra.Command) {
	f.key.register(cmd, "")
	cmd.Flags().StringVar(&f.program, "program", instruction.ProgramCounter, "program: counter or city")
	cmd.Flags().StringVar(&f.name, "name", "", "instruction name")
	cmd.Flags().StringVar(&f.account, "account", "", "target account, defaults to the signer's own account")
	cmd.Flags().Uint64Var(&f.value, "value", 0, "value for set")
	cmd.Flags().Uint8Var(&f.x, "x", 0, "tile column")
	cmd.Flags().Uint8Var(&f.y, "y", 0, "tile row")
	cmd.Flags().Uint8Var(&f.building, "building", 0, "building type")
	cmd.Flags().StringVar(&f.validator, "validator", "", "validator id for delegate")
	cmd.Flags().StringVar(&f.session, "session", "", "session token when signing with a session key")
	_ = cmd.MarkFlagRequired("name")
}

// build signs the instruction. Without --account it targets the signer's
// own account of the program's kind.
func (f *ixFlags) build() ([]byte, error) {
	kp, err := f.key.load()
	if err != nil {
		return nil, err
	}
	if _, ok := instruction.Lookup(f.program, f.name); !ok {
		return nil, fmt.Errorf("unknown instruction %s.%s, want one of %s",
			f.program, f.name, strings.Join(instruction.Names(f.program), ", "))
	}
	var addr chain.Address
	if f.account != "" {
		if addr, err = chain.ParseAddress(f.account); err != nil {
			return nil, err
		}
	} else {
		kind := account.KindCounter
		if f.program == instruction.ProgramCity {
			kind = account.KindCity
		}
		addr = chain.AccountAddress(kp.PublicKey(), string(kind))
	}
	ix := &instruction.Instruction{
		Program: f.program,
		Name:    f.name,
		Account: addr,
		Args: instruction.Args{
			Value:     f.value,
			X:         f.x,
			Y:         f.y,
			Building:  f.building,
			Validator: f.validator,
		},
		SessionToken: f.session,
	}
	return ix.Sign(kp)
}

func init() {
	ixCmd := &cobra.Command{Use: "ix", Short: "Build and send signed instructions"}

	var build ixFlags
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Print a signed instruction as hex",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wire, err := build.build()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(wire))
			return nil
		},
	}
	build.register(buildCmd)

	var (
		send    ixFlags
		url     string
		timeout time.Duration
	)
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Sign an instruction and post it to a node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wire, err := send.build()
			if err != nil {
				return err
			}
			endpoint := strings.TrimRight(url, "/") + "/v1/instructions"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(wire))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("node returned %s", resp.Status)
			}
			return nil
		},
	}
	send.register(sendCmd)
	sendCmd.Flags().StringVar(&url, "url", envOr("STATECTL_URL", "http://localhost:8080"), "node base URL")
	sendCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	ixCmd.AddCommand(buildCmd, sendCmd)
	rootCmd.AddCommand(ixCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
