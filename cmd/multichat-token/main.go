// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

// multichat-token mints access tokens for bridges. It prints each
// token alongside its BLAKE3 digest: the token goes to the bridge
// operator, the digest goes into the server's access_token_digests
// list. The server never sees the raw token at rest.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/htrefil/multichat/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		count      int
		digestOnly bool
	)
	pflag.IntVarP(&count, "count", "n", 1, "number of tokens to generate")
	pflag.BoolVar(&digestOnly, "digest", false, "read an existing token on stdin and print its digest")
	pflag.Parse()

	if digestOnly {
		var input string
		if _, err := fmt.Fscan(os.Stdin, &input); err != nil {
			return fmt.Errorf("read token from stdin: %w", err)
		}
		token, err := wire.ParseToken(input)
		if err != nil {
			return err
		}
		fmt.Println(token.Digest())
		return nil
	}

	if count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", count)
	}
	for i := 0; i < count; i++ {
		token, err := wire.NewToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Printf("token:  %s\ndigest: %s\n", token, token.Digest())
	}
	return nil
}
