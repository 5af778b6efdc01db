// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/nsig"
)

const (
	floatieUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36 GLS/100.10.9939.100,gzip(gfe)"
	floatieClientVersion = "2.20240808.00.00"
	floatiePlayerURL     = "https://www.youtube.com/youtubei/v1/player?prettyPrint=false"
	floatieTimeout       = 10 * time.Second
)

// FloatieConfig holds the primary provider's settings.
type FloatieConfig struct {
	VisitorData  string
	POToken      string
	MaxPlayerAge time.Duration
	MaxHeight    int
	LogDir       string
	WorkerName   string
}

// Floatie is the primary playback provider: it posts a structured player
// request to the upstream API, decrypting obfuscated URL parameters through
// the signing helper.
type Floatie struct {
	cfg    FloatieConfig
	helper *nsig.Client
	logger zerolog.Logger

	// playerURL is overridable for tests.
	playerURL string
}

// NewFloatie builds the provider around a signing-helper connection.
func NewFloatie(cfg FloatieConfig, helper *nsig.Client, logger zerolog.Logger) *Floatie {
	return &Floatie{cfg: cfg, helper: helper, logger: logger, playerURL: floatiePlayerURL}
}

// Name implements Provider.
func (f *Floatie) Name() string { return "floatie" }

type playabilityStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type videoDetails struct {
	VideoID string `json:"videoId"`
	IsLive  bool   `json:"isLive"`
}

type adaptiveFormat struct {
	URL             string  `json:"url,omitempty"`
	SignatureCipher string  `json:"signatureCipher,omitempty"`
	MimeType        string  `json:"mimeType"`
	FPS             float64 `json:"fps,omitempty"`
	Height          int     `json:"height,omitempty"`
}

type playerResponse struct {
	PlayabilityStatus playabilityStatus `json:"playabilityStatus"`
	VideoDetails      videoDetails      `json:"videoDetails"`
	StreamingData     struct {
		AdaptiveFormats []adaptiveFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
}

// Resolve implements Provider.
func (f *Floatie) Resolve(ctx context.Context, videoID, proxyURL string) (*PlaybackURL, error) {
	// A stale signing player produces URLs the CDN rejects; refresh first.
	if age, err := f.helper.PlayerUpdateAge(); err == nil && f.cfg.MaxPlayerAge > 0 && age > f.cfg.MaxPlayerAge {
		if _, err := f.helper.ForceUpdate(); err != nil {
			f.logger.Warn().Err(err).Msg("signing helper player update failed")
		}
	}

	data, err := f.fetchPlayerResponse(ctx, videoID, proxyURL)
	if err != nil {
		return nil, err
	}

	switch data.PlayabilityStatus.Status {
	case "OK":
	case "LOGIN_REQUIRED":
		reason := data.PlayabilityStatus.Reason
		if reason == "" {
			reason = "no reason"
		}
		return nil, fmt.Errorf("%w: %s", ErrLoginRequired, reason)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotPlayable, data.PlayabilityStatus.Status)
	}

	if data.VideoDetails.VideoID != videoID {
		return nil, fmt.Errorf("upstream returned wrong video id: %s vs. %s", data.VideoDetails.VideoID, videoID)
	}

	formats := make([]adaptiveFormat, 0, len(data.StreamingData.AdaptiveFormats))
	for _, format := range data.StreamingData.AdaptiveFormats {
		rewritten, err := f.rewriteFormatURL(format)
		if err != nil {
			f.dumpSuspiciousFormat(format)
			continue
		}
		format.URL = rewritten
		formats = append(formats, format)
	}

	chosen, ok := pickFormat(formats, f.cfg.MaxHeight)
	if !ok {
		return nil, fmt.Errorf("no usable video format for %s", videoID)
	}
	return &PlaybackURL{
		URL:    chosen.URL,
		FPS:    chosen.FPS,
		IsLive: data.VideoDetails.IsLive,
	}, nil
}

func (f *Floatie) fetchPlayerResponse(ctx context.Context, videoID, proxyURL string) (*playerResponse, error) {
	payload, err := f.buildPayload(videoID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.playerURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Youtube-Client-Name", "1")
	req.Header.Set("X-Youtube-Client-Version", floatieClientVersion)
	req.Header.Set("Origin", "https://www.youtube.com")
	req.Header.Set("User-Agent", floatieUserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-us,en;q=0.5")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Connection", "close")
	if f.cfg.VisitorData != "" {
		req.Header.Set("X-Goog-Visitor-Id", strings.ReplaceAll(f.cfg.VisitorData, "=", "%3D"))
	}

	if proxyURL != "" {
		f.logger.Debug().Str("proxy", proxyURL).Msg("using proxy")
	}
	client, err := httpClient(proxyURL)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("player request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("player request failed with status code %d", resp.StatusCode)
	}

	var data playerResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode player response: %w", err)
	}
	return &data, nil
}

func (f *Floatie) buildPayload(videoID string) (map[string]any, error) {
	sts, err := f.helper.SignatureTimestamp()
	if err != nil {
		return nil, fmt.Errorf("signature timestamp: %w", err)
	}

	clientCtx := map[string]any{
		"browserName":    "Chrome",
		"browserVersion": "125.0.0.0",
		"clientName":     "WEB",
		"clientVersion":  floatieClientVersion,
		"osName":         "Windows",
		"osVersion":      "10.0",
		"platform":       "DESKTOP",
		"hl":             "en",
		"gl":             "US",
		"userAgent":      floatieUserAgent,
	}
	if f.cfg.VisitorData != "" {
		clientCtx["visitorData"] = strings.ReplaceAll(f.cfg.VisitorData, "=", "%3D")
	}

	payload := map[string]any{
		"context": map[string]any{"client": clientCtx},
		"videoId": videoID,
		"playbackContext": map[string]any{
			"contentPlaybackContext": map[string]any{
				"html5Preference":    "HTML5_PREF_WANTS",
				"signatureTimestamp": sts,
			},
		},
		"contentCheckOk": true,
		"racyCheckOk":    true,
		"params":         "2AMB",
	}
	if f.cfg.VisitorData != "" {
		payload["serviceIntegrityDimensions"] = map[string]any{"poToken": f.cfg.POToken}
	}
	return payload, nil
}

// rewriteFormatURL decodes the signatureCipher wrapping (if present) and
// decrypts the n throttling parameter, returning the playable URL.
func (f *Floatie) rewriteFormatURL(format adaptiveFormat) (string, error) {
	var rawURL string

	switch {
	case format.SignatureCipher != "":
		cipherParams, err := url.ParseQuery(format.SignatureCipher)
		if err != nil {
			return "", fmt.Errorf("parse signatureCipher: %w", err)
		}
		rawURL = cipherParams.Get("url")
		if rawURL == "" {
			return "", fmt.Errorf("signatureCipher missing url")
		}
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		query := parsed.Query()
		sig, err := f.helper.DecryptSig(cipherParams.Get("s"))
		if err != nil {
			return "", fmt.Errorf("decrypt sig: %w", err)
		}
		sp := cipherParams.Get("sp")
		if sp == "" {
			sp = "signature"
		}
		query.Set(sp, sig)
		return f.finishQuery(parsed, query)

	case format.URL != "":
		parsed, err := url.Parse(format.URL)
		if err != nil {
			return "", err
		}
		return f.finishQuery(parsed, parsed.Query())

	default:
		return "", fmt.Errorf("format has no url")
	}
}

func (f *Floatie) finishQuery(parsed *url.URL, query url.Values) (string, error) {
	if f.cfg.POToken != "" {
		query.Set("pot", f.cfg.POToken)
	}
	if n := query.Get("n"); n != "" {
		decrypted, err := f.helper.DecryptNSig(n)
		if err != nil {
			return "", fmt.Errorf("decrypt nsig: %w", err)
		}
		query.Set("n", decrypted)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// dumpSuspiciousFormat writes a format we could not process to a log file
// for later inspection.
func (f *Floatie) dumpSuspiciousFormat(format adaptiveFormat) {
	dir := filepath.Join(f.cfg.LogDir, f.cfg.WorkerName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.logger.Warn().Err(err).Msg("failed to create format dump dir")
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("floatie-sussy-format-%d.json", time.Now().UnixMilli()))
	data, err := json.MarshalIndent(format, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		f.logger.Warn().Err(err).Str("path", path).Msg("failed to dump format")
		return
	}
	f.logger.Warn().Str("path", path).Msg("a format was missing an url parameter, dumped for inspection")
}

// pickFormat selects the video format closest to maxHeight from below, else
// the smallest available.
func pickFormat(formats []adaptiveFormat, maxHeight int) (adaptiveFormat, bool) {
	var best adaptiveFormat
	found := false
	var fallback adaptiveFormat
	fallbackFound := false

	for _, format := range formats {
		if !strings.HasPrefix(format.MimeType, "video/") || format.FPS <= 0 || format.Height <= 0 {
			continue
		}
		if format.Height <= maxHeight {
			if !found || format.Height > best.Height {
				best = format
				found = true
			}
		}
		if !fallbackFound || format.Height < fallback.Height {
			fallback = format
			fallbackFound = true
		}
	}
	if found {
		return best, true
	}
	return fallback, fallbackFound
}

// httpClient builds the per-call client, routing through the proxy when one
// was selected.
func httpClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &http.Client{
		Timeout:   floatieTimeout,
		Transport: otelhttp.NewTransport(transport),
	}, nil
}
