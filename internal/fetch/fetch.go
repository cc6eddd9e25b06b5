package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"relwatch/internal/watch"
	logx "relwatch/pkg/logx"
)

// listing is the JSON document a source URL serves. Either a bare array of
// entries or an object wrapping one, optionally advising when to re-check:
//
//	[{"id": 12, "url": "...", "type": "available"}, ...]
//	{"items": [...], "retry_after_seconds": 900}
type listing struct {
	Items             []entry `json:"items"`
	RetryAfterSeconds int     `json:"retry_after_seconds,omitempty"`
}

type entry struct {
	ID   int    `json:"id"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// Client implements extraction and acquisition over plain HTTP.
type Client struct {
	http *http.Client
	dir  string
	log  logx.Logger
}

func New(downloadDir string, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http: &http.Client{Timeout: 60 * time.Second},
		dir:  downloadDir,
		log:  log,
	}
}

// Extract fetches and decodes a source listing.
func (c *Client) Extract(ctx context.Context, url, credentials string) (watch.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return watch.Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	applyCredentials(req, credentials)

	resp, err := c.http.Do(req)
	if err != nil {
		return watch.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return watch.Result{}, fmt.Errorf("listing %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return watch.Result{}, err
	}

	var doc listing
	if err := json.Unmarshal(body, &doc); err != nil {
		// bare-array form
		var entries []entry
		if err2 := json.Unmarshal(body, &entries); err2 != nil {
			return watch.Result{}, fmt.Errorf("listing %s: %w", url, err)
		}
		doc.Items = entries
	}

	res := watch.Result{RequeueDelay: time.Duration(doc.RetryAfterSeconds) * time.Second}
	for _, e := range doc.Items {
		t, ok := watch.ParseDownloadType(e.Type)
		if !ok {
			c.log.Warn("unknown item type, treating as available",
				logx.String("url", url), logx.Int("id", e.ID), logx.String("type", e.Type))
		}
		res.Items = append(res.Items, watch.Item{ID: e.ID, URL: e.URL, Type: t})
	}
	return res, nil
}

// Download fetches one item into <dir>/<entityKey>/<NN><ext>, writing through
// a tmp file so partial transfers never look complete.
func (c *Client) Download(ctx context.Context, entityKey string, item watch.Item) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", item.URL, resp.StatusCode)
	}

	dir := filepath.Join(c.dir, safeName(entityKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%02d%s", item.ID, path.Ext(item.URL))
	dst := filepath.Join(dir, name)
	tmp := dst + ".part"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// applyCredentials interprets "user:pass" as basic auth and anything else as
// a bearer token.
func applyCredentials(req *http.Request, credentials string) {
	credentials = strings.TrimSpace(credentials)
	if credentials == "" {
		return
	}
	if user, pass, ok := strings.Cut(credentials, ":"); ok {
		req.SetBasicAuth(user, pass)
		return
	}
	req.Header.Set("Authorization", "Bearer "+credentials)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
