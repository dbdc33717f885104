// Package uploader implements the Chunked Uploader (C13): a client for a
// proprietary two-host, token-based multipart upload API, cover publishing
// via a Qiniu-style token, and a final create_douga publish call. Grounded
// on spec §4.13 and the original `modules/acfun_uploader.py` two-host
// design (see SPEC_FULL.md), with retry/backoff reused from the shared
// `retry` package the way the teacher's adapters all do.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subculture-collective/repubengine/errclass"
	"github.com/subculture-collective/repubengine/retry"
)

const (
	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	referer   = "https://www.acfun.cn/"

	maxFragmentRetries = 3
	descriptionCap     = 1000
	titleCap           = 50
	tagCap             = 6
)

// Credentials is either a username/password pair or a pre-populated cookie
// jar path (spec §4.13 login).
type Credentials struct {
	Username   string
	Password   string
	CookieFile string
}

// Config configures a Client.
type Config struct {
	UploadBaseURL  string // e.g. https://upload.kuaishouzt.com
	PublishBaseURL string // e.g. https://member.acfun.cn
	ChannelID      string
}

// Client drives the chunked-upload protocol.
type Client struct {
	cfg        Config
	httpClient *http.Client
	jar        *cookiejar.Jar
}

// New constructs a Client with its own cookie jar (sessions are kept alive
// for the duration of an upload per spec §4.13).
func New(cfg Config) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("uploader: create cookie jar: %w", err)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Jar: jar, Timeout: 60 * time.Second},
		jar:        jar,
	}, nil
}

// Login establishes a session: a valid cookie jar alone suffices, otherwise
// credentials drive a form login call (spec §4.13).
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	if creds.CookieFile != "" {
		return c.loadCookieJar(creds.CookieFile)
	}
	if creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("uploader: no credentials or cookie file provided (%s)", errclass.KindConfigMissing)
	}

	form := url.Values{"username": {creds.Username}, "password": {creds.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.PublishBaseURL+"/login/signInNew", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("uploader: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: login request (%s): %w", errclass.Classify(err), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		loginErr := fmt.Errorf("uploader: login failed, status %d", resp.StatusCode)
		return fmt.Errorf("%w (%s)", loginErr, errclass.Classify(loginErr))
	}
	return nil
}

func (c *Client) loadCookieJar(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		wrapped := fmt.Errorf("uploader: read cookie jar: %w", err)
		return fmt.Errorf("%w (%s)", wrapped, errclass.Classify(wrapped))
	}
	u, err := url.Parse(c.cfg.PublishBaseURL)
	if err != nil {
		return fmt.Errorf("uploader: parse publish base url: %w", err)
	}
	var cookies []*http.Cookie
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: fields[5], Value: fields[6]})
	}
	if len(cookies) == 0 {
		return fmt.Errorf("uploader: cookie jar %s had no usable cookies (%s)", path, errclass.KindCookieInvalid)
	}
	c.jar.SetCookies(u, cookies)
	return nil
}

// ExportSession serializes the current publish-host cookies to a
// "name=value; name=value" blob suitable for db.UpsertSession, so a session
// established via Login can be kept alive across restarts (spec §4.13).
func (c *Client) ExportSession() (string, error) {
	u, err := url.Parse(c.cfg.PublishBaseURL)
	if err != nil {
		return "", fmt.Errorf("uploader: parse publish base url: %w", err)
	}
	cookies := c.jar.Cookies(u)
	if len(cookies) == 0 {
		return "", fmt.Errorf("uploader: no session cookies to export")
	}
	parts := make([]string, len(cookies))
	for i, ck := range cookies {
		parts[i] = ck.Name + "=" + ck.Value
	}
	return strings.Join(parts, "; "), nil
}

// ImportSession installs a "name=value; name=value" cookie blob (as produced
// by ExportSession) onto the publish host, without a network round-trip.
func (c *Client) ImportSession(cookieJar string) error {
	if cookieJar == "" {
		return fmt.Errorf("uploader: empty session cookie jar")
	}
	u, err := url.Parse(c.cfg.PublishBaseURL)
	if err != nil {
		return fmt.Errorf("uploader: parse publish base url: %w", err)
	}
	var cookies []*http.Cookie
	for _, pair := range strings.Split(cookieJar, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: strings.TrimSpace(kv[0]), Value: kv[1]})
	}
	if len(cookies) == 0 {
		return fmt.Errorf("uploader: session cookie jar had no usable cookies")
	}
	c.jar.SetCookies(u, cookies)
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)
}

// tokenResponse is the shared shape of get_token / get_qiniu_token (spec §4.13).
type tokenResponse struct {
	TaskID      string `json:"taskId"`
	UploadToken string `json:"uploadToken"`
	PartSize    int64  `json:"partSize"`
	Token       string `json:"token"`
}

// getToken requests a video upload token.
func (c *Client) getToken(ctx context.Context, filename string, size int64) (tokenResponse, error) {
	q := url.Values{"filename": {filename}, "size": {strconv.FormatInt(size, 10)}}
	return c.fetchToken(ctx, c.cfg.UploadBaseURL+"/api/upload/video/get_token", q)
}

// getQiniuToken requests a cover upload token (spec §4.13).
func (c *Client) getQiniuToken(ctx context.Context, filename string) (tokenResponse, error) {
	q := url.Values{"filename": {filename}}
	return c.fetchToken(ctx, c.cfg.UploadBaseURL+"/api/upload/cover/get_qiniu_token", q)
}

func (c *Client) fetchToken(ctx context.Context, endpoint string, q url.Values) (tokenResponse, error) {
	var out tokenResponse
	body, err := c.doGET(ctx, endpoint, q)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("uploader: decode token response: %w", err)
	}
	return out, nil
}

// uploadBlob is the shared "token → fragment-upload → complete" primitive
// used by both the video and cover upload paths (spec §4.13, SPEC_FULL.md's
// note on the original's identically-shaped cover path).
func (c *Client) uploadBlob(ctx context.Context, data []byte, uploadToken string, partSize int64) error {
	if partSize <= 0 {
		partSize = int64(len(data))
		if partSize == 0 {
			partSize = 1
		}
	}
	fragmentCount := 0
	for offset := int64(0); offset < int64(len(data)); offset += partSize {
		end := offset + partSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if err := c.uploadFragmentWithRetry(ctx, data[offset:end], fragmentCount, uploadToken); err != nil {
			return err
		}
		fragmentCount++
	}
	return c.completeFragments(ctx, fragmentCount, uploadToken)
}

// uploadFragmentWithRetry retries one fragment independently up to
// maxFragmentRetries times (spec §4.13).
func (c *Client) uploadFragmentWithRetry(ctx context.Context, chunk []byte, fragmentID int, uploadToken string) error {
	var lastErr error
	for attempt := 1; attempt <= maxFragmentRetries; attempt++ {
		if err := c.uploadFragment(ctx, chunk, fragmentID, uploadToken); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < maxFragmentRetries {
			if err := retry.Sleep(ctx, retry.Backoff(attempt, 500*time.Millisecond, 10*time.Second)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("uploader: fragment %d failed after %d attempts (%s): %w", fragmentID, maxFragmentRetries, errclass.Classify(lastErr), lastErr)
}

func (c *Client) uploadFragment(ctx context.Context, chunk []byte, fragmentID int, uploadToken string) error {
	q := url.Values{"fragment_id": {strconv.Itoa(fragmentID)}, "upload_token": {uploadToken}}
	endpoint := c.cfg.UploadBaseURL + "/api/upload/fragment?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("uploader: build fragment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: fragment request (%s): %w", errclass.Classify(err), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("uploader: fragment upload status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) completeFragments(ctx context.Context, fragmentCount int, uploadToken string) error {
	q := url.Values{"fragment_count": {strconv.Itoa(fragmentCount)}, "upload_token": {uploadToken}}
	_, err := c.doPOSTForm(ctx, c.cfg.UploadBaseURL+"/api/upload/complete", q)
	return err
}

func (c *Client) uploadFinish(ctx context.Context, taskID string) error {
	q := url.Values{"taskId": {taskID}}
	_, err := c.doPOSTForm(ctx, c.cfg.UploadBaseURL+"/api/upload/video/finish", q)
	return err
}

type createVideoResponse struct {
	VideoID string `json:"videoId"`
}

func (c *Client) createVideo(ctx context.Context, taskID, fileName string) (string, error) {
	q := url.Values{"videoKey": {taskID}, "fileName": {fileName}, "vodType": {"cloud"}}
	body, err := c.doPOSTForm(ctx, c.cfg.UploadBaseURL+"/api/upload/video/create_video", q)
	if err != nil {
		return "", err
	}
	var out createVideoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("uploader: decode create_video response: %w", err)
	}
	return out.VideoID, nil
}

// UploadVideo runs the five-step video sequence of spec §4.13 over raw
// video bytes, returning the resulting videoId.
func (c *Client) UploadVideo(ctx context.Context, filename string, data []byte) (string, error) {
	tok, err := c.getToken(ctx, filename, int64(len(data)))
	if err != nil {
		return "", err
	}
	if err := c.uploadBlob(ctx, data, tok.UploadToken, tok.PartSize); err != nil {
		return "", err
	}
	if err := c.uploadFinish(ctx, tok.TaskID); err != nil {
		return "", err
	}
	return c.createVideo(ctx, tok.TaskID, filename)
}

type coverURLResponse struct {
	URL string `json:"url"`
}

// UploadCover runs the cover sequence of spec §4.13: get_qiniu_token, a
// single-fragment upload through the same fragment endpoint, complete, then
// get_url_after_upload.
func (c *Client) UploadCover(ctx context.Context, filename, bizFlag string, data []byte) (string, error) {
	tok, err := c.getQiniuToken(ctx, filename)
	if err != nil {
		return "", err
	}
	if err := c.uploadBlob(ctx, data, tok.Token, int64(len(data))); err != nil {
		return "", err
	}
	q := url.Values{"bizFlag": {bizFlag}, "token": {tok.Token}}
	body, err := c.doPOSTForm(ctx, c.cfg.UploadBaseURL+"/api/upload/cover/get_url_after_upload", q)
	if err != nil {
		return "", err
	}
	var out coverURLResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("uploader: decode cover url response: %w", err)
	}
	return out.URL, nil
}

// PublishRequest carries the fields needed to finalize a douga publish.
type PublishRequest struct {
	Title           string
	Description     string
	SourceName      string // "UP主" provenance field
	SourceURL       string // original content URL, used for provenance and originalLinkUrl
	UploadedAt      time.Time
	Tags            []string
	CoverURL        string
	VideoID         string
	ChannelID       string // task's selected-or-recommended category; falls back to Config.ChannelID when empty
}

type publishResponse struct {
	ACNumber string `json:"acId"`
	URL      string `json:"shareUrl"`
}

// Result is the outcome of a successful create_douga call.
type Result struct {
	ACNumber string
	URL      string
}

// Publish builds the provenance-augmented description, the creationType per
// whether an original URL is present, and calls create_douga (spec §4.13).
func (c *Client) Publish(ctx context.Context, req PublishRequest) (Result, error) {
	title := capRunes(req.Title, titleCap)
	description := buildDescription(req.Description, req.SourceName, req.SourceURL, req.UploadedAt)

	tags := req.Tags
	if len(tags) > tagCap {
		tags = tags[:tagCap]
	}
	tagsJSON, _ := json.Marshal(tags)

	videoInfos, _ := json.Marshal([]map[string]string{{"videoId": req.VideoID, "title": title}})

	channelID := req.ChannelID
	if channelID == "" {
		channelID = c.cfg.ChannelID
	}

	form := url.Values{
		"title":       {title},
		"description": {description},
		"tagList":     {string(tagsJSON)},
		"channelId":   {channelID},
		"coverUrl":    {req.CoverURL},
		"videoInfos":  {string(videoInfos)},
	}
	if req.SourceURL != "" {
		form.Set("creationType", "1")
		form.Set("originalLinkUrl", req.SourceURL)
		form.Set("originalDeclare", "0")
	} else {
		form.Set("creationType", "3")
		form.Set("originalDeclare", "1")
	}

	body, err := c.doPOSTForm(ctx, c.cfg.PublishBaseURL+"/rest/web/upload/video/create_douga", form)
	if err != nil {
		return Result{}, err
	}
	var out publishResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("uploader: decode create_douga response: %w", err)
	}
	return Result{ACNumber: out.ACNumber, URL: out.URL}, nil
}

// buildDescription appends the provenance block and truncates the user
// description (not the provenance header) so the total stays within
// descriptionCap (spec §4.13).
func buildDescription(userDesc, sourceName, sourceURL string, uploadedAt time.Time) string {
	provenance := fmt.Sprintf("原始来源：%s\nUP主：%s\n上传时间：%s\n---原简介---\n",
		sourceURL, sourceName, uploadedAt.Format("2006-01-02 15:04"))

	room := descriptionCap - len([]rune(provenance))
	if room < 0 {
		room = 0
	}
	return provenance + capRunes(userDesc, room)
}

func capRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (c *Client) doGET(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	full := endpoint
	if len(q) > 0 {
		full += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, fmt.Errorf("uploader: build GET request: %w", err)
	}
	c.setCommonHeaders(req)
	return c.do(req)
}

func (c *Client) doPOSTForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+form.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("uploader: build POST request: %w", err)
	}
	c.setCommonHeaders(req)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploader: request to %s (%s): %w", req.URL.Path, errclass.Classify(err), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("uploader: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		statusErr := fmt.Errorf("uploader: %s returned status %d: %s", req.URL.Path, resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w (%s)", statusErr, errclass.Classify(statusErr))
	}
	return body, nil
}
