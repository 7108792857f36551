package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/schollz/progressbar/v3"
)

// Stage3 is a release tarball as announced by the autobuilds index.
type Stage3 struct {
	URL  string
	Name string
	Size int64
}

// Artifacts are the downloaded files of a stage3 release.
type Artifacts struct {
	Tarball   string
	Signature string
	Digests   string
}

// Fetcher finds and downloads the latest stage3 for an architecture and init variant.
type Fetcher struct {
	Mirror  string
	Arch    string
	Variant string
	// Dir receives the downloaded files.
	Dir    string
	Client *rh.Client
	Runner internalUtils.Runner
	// Quiet disables the progress bar.
	Quiet bool
}

func NewClient() *rh.Client {
	c := rh.NewClient()
	c.RetryMax = 5
	c.Logger = NewLeveledLogger(internalUtils.Log)
	return c
}

func (f *Fetcher) autobuilds() string {
	return strings.TrimSuffix(f.Mirror, "/") + "/releases/" + f.Arch + "/autobuilds/"
}

// IndexURL is the url of the latest-stage3 text file of the configured flavour.
func (f *Fetcher) IndexURL() string {
	return f.autobuilds() + fmt.Sprintf("latest-stage3-%s-%s.txt", f.Arch, f.Variant)
}

// Latest resolves the current stage3 tarball.
func (f *Fetcher) Latest(ctx context.Context) (Stage3, error) {
	resp, err := f.get(ctx, f.IndexURL())
	if err != nil {
		return Stage3{}, err
	}
	defer resp.Body.Close()
	rel, size, err := ParseLatest(resp.Body)
	if err != nil {
		return Stage3{}, fmt.Errorf("parsing %s: %w", f.IndexURL(), err)
	}
	s := Stage3{URL: f.autobuilds() + rel, Name: path.Base(rel), Size: size}
	internalUtils.Log.Info().Str("url", s.URL).Int64("size", s.Size).Msg("Found stage3")
	return s, nil
}

// ParseLatest returns the relative path and size of the first entry of a latest-stage3 file.
// Comments and the PGP clearsign armor are skipped.
func ParseLatest(r io.Reader) (string, int64, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, "Hash:"):
			continue
		case strings.HasPrefix(line, "-----BEGIN PGP SIGNATURE"):
			return "", 0, fmt.Errorf("no stage3 entry found")
		case strings.HasPrefix(line, "-----"):
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 || !strings.Contains(fields[0], "stage3-") {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid size %q: %w", fields[1], err)
		}
		return fields[0], size, nil
	}
	if err := sc.Err(); err != nil {
		return "", 0, err
	}
	return "", 0, fmt.Errorf("no stage3 entry found")
}

// Download fetches the tarball with its signature and digests into Dir.
func (f *Fetcher) Download(ctx context.Context, s Stage3) (Artifacts, error) {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return Artifacts{}, err
	}
	a := Artifacts{
		Tarball:   filepath.Join(f.Dir, s.Name),
		Signature: filepath.Join(f.Dir, s.Name+".asc"),
		Digests:   filepath.Join(f.Dir, s.Name+".DIGESTS"),
	}
	for dest, url := range map[string]string{a.Signature: s.URL + ".asc", a.Digests: s.URL + ".DIGESTS"} {
		if err := f.download(ctx, url, dest, false); err != nil {
			return a, err
		}
	}
	if err := f.download(ctx, s.URL, a.Tarball, !f.Quiet); err != nil {
		return a, err
	}
	return a, nil
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := rh.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = NewClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return resp, nil
}

func (f *Fetcher) download(ctx context.Context, url, dest string, progress bool) error {
	l := internalUtils.Log.With().Str("url", url).Str("dest", dest).Logger()
	resp, err := f.get(ctx, url)
	if err != nil {
		l.Err(err).Msg("Downloading")
		return err
	}
	defer resp.Body.Close()

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	var w io.Writer = out
	if progress {
		w = io.MultiWriter(out, progressbar.DefaultBytes(resp.ContentLength, "Downloading "+path.Base(url)))
	}
	_, err = io.Copy(w, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	l.Debug().Msg("Downloaded")
	return os.Rename(tmp, dest)
}
