package fetch

import (
	"bufio"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
)

// DigestFor returns the SHA512 of name from a DIGESTS file. Only the SHA512 section is considered.
func DigestFor(r io.Reader, name string) (string, error) {
	sc := bufio.NewScanner(r)
	inSHA512 := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			inSHA512 = strings.Contains(strings.ToUpper(line), "SHA512 HASH")
			continue
		}
		if !inSHA512 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == name {
			return strings.ToLower(fields[0]), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: no SHA512 for %s", constants.ErrChecksumMismatch, name)
}

// VerifySHA512 checks the tarball against its DIGESTS file.
func VerifySHA512(a Artifacts) error {
	d, err := os.Open(a.Digests)
	if err != nil {
		return err
	}
	defer d.Close()
	want, err := DigestFor(d, filepath.Base(a.Tarball))
	if err != nil {
		return err
	}

	f, err := os.Open(a.Tarball)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("%w: %s: got %s, want %s", constants.ErrChecksumMismatch, a.Tarball, got, want)
	}
	internalUtils.Log.Info().Str("file", a.Tarball).Msg("SHA512 verified")
	return nil
}

// VerifySignature checks the detached signature with the release key located through WKD. A private
// keyring under the download directory keeps the host keyring untouched.
func (f *Fetcher) VerifySignature(ctx context.Context, a Artifacts) error {
	home := filepath.Join(f.Dir, "gnupg")
	if err := os.MkdirAll(home, 0o700); err != nil {
		return err
	}
	env := "GNUPGHOME=" + home

	locate := internalUtils.NewCommand("gpg", "--batch", "--auto-key-locate=clear,nodefault,wkd", "--locate-keys", constants.GentooReleaseKey).WithEnv(env)
	err := retry.Do(func() error {
		_, err := f.Runner.Run(ctx, locate)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			internalUtils.Log.Debug().Uint("attempt", n).Err(err).Msg("Locating release key")
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: locating %s: %w", constants.ErrSignature, constants.GentooReleaseKey, err)
	}
	verify := internalUtils.NewCommand("gpg", "--batch", "--verify", a.Signature, a.Tarball).WithEnv(env)
	if _, err := f.Runner.Run(ctx, verify); err != nil {
		return fmt.Errorf("%w: %s: %w", constants.ErrSignature, a.Tarball, err)
	}
	internalUtils.Log.Info().Str("file", a.Tarball).Msg("Signature verified")
	return nil
}

// Verify runs both integrity checks. Nothing may be unpacked unless it succeeds.
func (f *Fetcher) Verify(ctx context.Context, a Artifacts) error {
	if err := VerifySHA512(a); err != nil {
		return err
	}
	return f.VerifySignature(ctx, a)
}
