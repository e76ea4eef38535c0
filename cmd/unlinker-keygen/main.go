package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/obscura-unlinker/unlinker/internal/operatorkey"
)

type output struct {
	OperatorAddress   string `json:"operator_address"`
	PrivateKeyPath    string `json:"private_key_path"`
	PrivateKeyCreated bool   `json:"private_key_created"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("unlinker-keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	privateKeyPath := fs.String("private-key-path", "", "path for the operator secp256k1 private key (created if missing)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*privateKeyPath) == "" {
		return fmt.Errorf("private-key-path is required")
	}

	key, created, err := operatorkey.EnsurePrivateKeyFile(*privateKeyPath)
	if err != nil {
		return err
	}
	operatorAddress := operatorkey.OperatorIDFromPrivateKey(key)

	payload := output{
		OperatorAddress:   operatorAddress,
		PrivateKeyPath:    *privateKeyPath,
		PrivateKeyCreated: created,
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
