package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/backend/crypt"
	"github.com/s3ql-go/s3ql/internal/backend/local"
	"github.com/s3ql-go/s3ql/internal/backend/s3"
	"github.com/s3ql-go/s3ql/internal/config"
)

// openRawBackend constructs the bare driver a BackendConfig names, with no
// crypto/compress wrapping. mkfs writes the passphrase envelope itself
// through the raw backend: wrapping it in the crypt layer first would try
// to encrypt the key material under the very key it contains.
func openRawBackend(ctx context.Context, cfg *config.BackendConfig, mkdir bool) (backend.Backend, error) {
	switch cfg.Kind {
	case "local":
		if mkdir {
			if err := os.MkdirAll(cfg.LocalPath, 0o700); err != nil {
				return nil, fmt.Errorf("creating local backend directory: %w", err)
			}
		}
		return local.New(cfg.LocalPath)

	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:                      cfg.Bucket,
			Region:                      cfg.Region,
			Endpoint:                    cfg.Endpoint,
			ForcePathStyle:              cfg.ForcePathStyle,
			PoolSize:                    cfg.PoolSize,
			EnableCargoShipOptimization: cfg.UseCargoShip,
		})

	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// openBackend opens the raw driver and, unless plain is true, layers the
// crypto/compress wrapper over it by downloading and unwrapping
// s3ql_passphrase with the supplied passphrase. This is what every
// subcommand except mkfs (which has not written the passphrase object
// yet) should call.
func openBackend(ctx context.Context, cfg *config.BackendConfig, plain bool, compress string) (backend.Backend, error) {
	raw, err := openRawBackend(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	if plain {
		return raw, nil
	}

	r, err := raw.OpenRead(ctx, backend.KeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase object (is this filesystem --plain?): %w", err)
	}
	wrapped, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}

	key, err := crypt.UnwrapDataKey(wrapped, cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or corrupted passphrase object: %w", err)
	}

	return crypt.New(raw, key, compress)
}

// readPassphrase returns the filesystem passphrase: from the
// S3QL_PASSPHRASE environment variable if set (the only option under
// --batch, which must never prompt), otherwise by prompting on stdin. When
// confirm is true (mkfs) the user is asked to type it twice and the two
// must match, mirroring mkfs.py's getpass/getpass-confirm pair.
func readPassphrase(batch, confirm bool) (string, error) {
	if env := os.Getenv("S3QL_PASSPHRASE"); env != "" {
		return env, nil
	}
	if batch {
		return "", fmt.Errorf("no passphrase available and --batch was given (set S3QL_PASSPHRASE)")
	}

	in := bufio.NewReader(os.Stdin)
	fmt.Fprint(os.Stderr, "Enter encryption password: ")
	pw, err := readLine(in)
	if err != nil {
		return "", err
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm encryption password: ")
		pw2, err := readLine(in)
		if err != nil {
			return "", err
		}
		if pw != pw2 {
			return "", fmt.Errorf("passwords don't match")
		}
	}
	return pw, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
