// Command shield runs the admission-control service.
//
//	shield            start the service (same as "shield serve")
//	shield hash-key   print a new operator key and its Argon2id hash
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"shield/cmd/internal/app"
	"shield/cmd/security/operator"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := app.Run(); err != nil {
			log.Fatal(err)
		}
	case "hash-key":
		if err := hashKey(os.Stdout, args); err != nil {
			log.Fatal(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve or hash-key)\n", cmd)
		os.Exit(2)
	}
}

// hashKey generates an operator key (or hashes one given with -key) and
// prints the env line that enables it.
func hashKey(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	key := fs.String("key", "", "existing key to hash instead of generating one")
	name := fs.String("name", "", "operator name; emits a SHIELD_OPERATOR_KEYS entry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := operator.FromEnv()
	if err != nil {
		return err
	}

	k := *key
	if k == "" {
		if k, err = operator.GenerateKey(); err != nil {
			return err
		}
		fmt.Fprintf(w, "key:  %s\n", k)
	}

	hash, err := cfg.Hash(k)
	if err != nil {
		return err
	}
	if *name != "" {
		fmt.Fprintf(w, "SHIELD_OPERATOR_KEYS=%s=%s\n", *name, hash)
		return nil
	}
	fmt.Fprintf(w, "SHIELD_OPERATOR_KEY_HASH=%s\n", hash)
	return nil
}
