// hashtoken prints the argon2id hash of a webhook trigger token.
//
// Usage (run from the repo root):
//
//	go run ./scripts/hashtoken <token>
//
// Put the printed hash in the relevant NAGARE_SECRET_*_TOKEN_HASH variable
// (e.g. NAGARE_SECRET_LEAD_INTAKE_TOKEN_HASH) and hand the raw token to the
// webhook caller. The server never stores the raw token.
package main

import (
	"fmt"
	"os"

	"github.com/ashita-ai/nagare/internal/auth"
)

func main() {
	if len(os.Args) != 2 || os.Args[1] == "" {
		fmt.Fprintln(os.Stderr, "usage: hashtoken <token>")
		os.Exit(2)
	}

	hash, err := auth.HashTriggerToken(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
