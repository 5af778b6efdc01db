// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package playback

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/nsig"
)

// startHelperStub runs a signing-helper stub that answers every opcode:
// timestamps and ages are fixed, decrypt ops echo with a "dec-" prefix.
func startHelperStub(t *testing.T) *nsig.Client {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				for {
					var header [5]byte
					if _, err := io.ReadFull(conn, header[:]); err != nil {
						return
					}
					opcode := header[0]
					requestID := binary.BigEndian.Uint32(header[1:5])

					var body []byte
					switch opcode {
					case 0x01, 0x02: // decrypt ops carry a length-prefixed payload
						var lenBuf [2]byte
						if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
							return
						}
						payload := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
						if _, err := io.ReadFull(conn, payload); err != nil {
							return
						}
						decrypted := append([]byte("dec-"), payload...)
						body = make([]byte, 2+len(decrypted))
						binary.BigEndian.PutUint16(body[:2], uint16(len(decrypted)))
						copy(body[2:], decrypted)
					case 0x03, 0x05: // signature timestamp / player age
						body = make([]byte, 8)
						binary.BigEndian.PutUint64(body, 19834)
					case 0x00: // force update
						body = []byte{0xFF, 0xFF}
					case 0x04: // player status
						body = []byte{1, 0, 0, 0, 1}
					}

					resp := make([]byte, 8+len(body))
					binary.BigEndian.PutUint32(resp[0:4], requestID)
					binary.BigEndian.PutUint32(resp[4:8], uint32(len(body)))
					copy(resp[8:], body)
					if _, err := conn.Write(resp); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	client, err := nsig.New(nsig.Addr{Network: "tcp", Address: listener.Addr().String()}, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestFloatie(t *testing.T, upstream *httptest.Server) *Floatie {
	t.Helper()
	f := NewFloatie(FloatieConfig{
		MaxHeight:  720,
		LogDir:     t.TempDir(),
		WorkerName: "test-worker",
	}, startHelperStub(t), zerolog.Nop())
	f.playerURL = upstream.URL
	return f
}

func playerJSON(t *testing.T, status string, videoID string, formats []map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"playabilityStatus": map[string]any{"status": status, "reason": "test reason"},
		"videoDetails":      map[string]any{"videoId": videoID, "isLive": false},
		"streamingData":     map[string]any{"adaptiveFormats": formats},
	})
	require.NoError(t, err)
	return data
}

func TestFloatieResolvePlainURL(t *testing.T) {
	var gotPayload map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_, _ = w.Write(playerJSON(t, "OK", "jNQXAC9IVRw", []map[string]any{
			{"url": "https://cdn.example/video?n=obfuscated", "mimeType": "video/mp4", "fps": 30, "height": 720},
		}))
	}))
	defer upstream.Close()

	f := newTestFloatie(t, upstream)
	got, err := f.Resolve(context.Background(), "jNQXAC9IVRw", "")
	require.NoError(t, err)

	assert.Contains(t, got.URL, "n=dec-obfuscated", "n parameter must be decrypted")
	assert.Equal(t, 30.0, got.FPS)
	assert.False(t, got.IsLive)

	// The player request carries the signature timestamp from the helper.
	playbackCtx := gotPayload["playbackContext"].(map[string]any)
	contentCtx := playbackCtx["contentPlaybackContext"].(map[string]any)
	assert.Equal(t, float64(19834), contentCtx["signatureTimestamp"])
	assert.Equal(t, "2AMB", gotPayload["params"])
}

func TestFloatieResolveSignatureCipher(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(playerJSON(t, "OK", "jNQXAC9IVRw", []map[string]any{
			{
				"signatureCipher": "s=SECRET&sp=sig&url=" + "https%3A%2F%2Fcdn.example%2Fvideo%3Fabc%3D1",
				"mimeType":        "video/mp4",
				"fps":             25,
				"height":          360,
			},
		}))
	}))
	defer upstream.Close()

	f := newTestFloatie(t, upstream)
	got, err := f.Resolve(context.Background(), "jNQXAC9IVRw", "")
	require.NoError(t, err)
	assert.Contains(t, got.URL, "sig=dec-SECRET")
	assert.Equal(t, 25.0, got.FPS)
}

func TestFloatieNotPlayable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(playerJSON(t, "UNPLAYABLE", "jNQXAC9IVRw", nil))
	}))
	defer upstream.Close()

	f := newTestFloatie(t, upstream)
	_, err := f.Resolve(context.Background(), "jNQXAC9IVRw", "")
	assert.ErrorIs(t, err, ErrNotPlayable)
}

func TestFloatieLoginRequired(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(playerJSON(t, "LOGIN_REQUIRED", "jNQXAC9IVRw", nil))
	}))
	defer upstream.Close()

	f := newTestFloatie(t, upstream)
	_, err := f.Resolve(context.Background(), "jNQXAC9IVRw", "")
	assert.ErrorIs(t, err, ErrLoginRequired)
}

func TestFloatieWrongVideoID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(playerJSON(t, "OK", "bdq-IYxhByw", []map[string]any{
			{"url": "https://cdn.example/video", "mimeType": "video/mp4", "fps": 30, "height": 720},
		}))
	}))
	defer upstream.Close()

	f := newTestFloatie(t, upstream)
	_, err := f.Resolve(context.Background(), "jNQXAC9IVRw", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotPlayable)
}

func TestFloatieUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := newTestFloatie(t, upstream)
	_, err := f.Resolve(context.Background(), "jNQXAC9IVRw", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotPlayable)
	assert.NotErrorIs(t, err, ErrLoginRequired)
}
