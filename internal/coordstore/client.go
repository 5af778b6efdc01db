// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package coordstore wraps the shared Redis instance used to coordinate the
// request process, the generation workers and the cleanup loop.
package coordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// Key layout shared by all processes.
const (
	lastUsedKey       = "last-used"
	storageUsedKey    = "storage-used"
	bestTimePrefix    = "best-"
	jobPrefix         = "job:"
	workerPrefix      = "worker:"
	proxiesKey        = "proxies"
	lastProxyFetchKey = "last_proxy_fetch"
	nextProxyFetchKey = "next_proxy_fetch"
)

// Priority selects the job queue a request lands in.
type Priority string

const (
	// PriorityHigh is used for front-auth requests.
	PriorityHigh Priority = "high"
	// PriorityNormal is used for everything else.
	PriorityNormal Priority = "normal"
)

// jobTTL bounds how long a job marker survives a crashed worker before the
// fingerprint becomes schedulable again.
const jobTTL = 15 * time.Minute

// workerTTL bounds how long a worker stays counted after its last heartbeat.
const workerTTL = 60 * time.Second

// JobPayload is the work description stored under the job marker.
type JobPayload struct {
	VideoID      string  `json:"videoID"`
	Time         float64 `json:"time"`
	Title        string  `json:"title,omitempty"`
	IsLivestream bool    `json:"isLivestream,omitempty"`
}

// Fingerprint returns the validated fingerprint of the payload.
func (p JobPayload) Fingerprint() (thumbnail.Fingerprint, error) {
	return thumbnail.NewFingerprint(p.VideoID, p.Time)
}

// QueuedJob is a job popped from a queue.
type QueuedJob struct {
	Priority Priority
	Payload  JobPayload
}

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client is the typed wrapper over the coordinator store.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New connects to the coordinator store and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordinator store connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to coordinator store")
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromClient wraps an existing redis client; used by tests.
func NewFromClient(rdb *redis.Client, logger zerolog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Close closes the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// --- recency index ---

// RecencyEntry is one row of the LRU index.
type RecencyEntry struct {
	VideoID  string
	LastUsed time.Time
}

// UpdateLastUsed sets the recency score of a video to now.
func (c *Client) UpdateLastUsed(ctx context.Context, videoID string) error {
	return c.rdb.ZAdd(ctx, lastUsedKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: videoID,
	}).Err()
}

// LRUWindow returns the n oldest entries, ascending by recency score.
func (c *Client) LRUWindow(ctx context.Context, n int64) ([]RecencyEntry, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, lastUsedKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]RecencyEntry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, RecencyEntry{
			VideoID:  id,
			LastUsed: time.Unix(int64(z.Score), 0),
		})
	}
	return entries, nil
}

// LastUsed returns the recency score of one video, if present.
func (c *Client) LastUsed(ctx context.Context, videoID string) (time.Time, bool, error) {
	score, err := c.rdb.ZScore(ctx, lastUsedKey, videoID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(int64(score), 0), true, nil
}

// RemoveRecency drops a video from the index after its folder was deleted.
func (c *Client) RemoveRecency(ctx context.Context, videoID string) error {
	return c.rdb.ZRem(ctx, lastUsedKey, videoID).Err()
}

// IndexedVideos returns the set of video ids present in the recency index.
func (c *Client) IndexedVideos(ctx context.Context) (map[string]struct{}, error) {
	ids, err := c.rdb.ZRange(ctx, lastUsedKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// --- storage counter ---

// AddStorage atomically adds delta to the storage counter and returns the
// new value.
func (c *Client) AddStorage(ctx context.Context, delta int64) (int64, error) {
	return c.rdb.IncrBy(ctx, storageUsedKey, delta).Result()
}

// ReadStorage returns the current storage counter. A missing key reads as 0.
func (c *Client) ReadStorage(ctx context.Context) (int64, error) {
	val, err := c.rdb.Get(ctx, storageUsedKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// ResetStorage overwrites the storage counter after a reconciliation walk.
func (c *Client) ResetStorage(ctx context.Context, bytes int64) error {
	return c.rdb.Set(ctx, storageUsedKey, strconv.FormatInt(bytes, 10), 0).Err()
}

// --- best-time hint ---

// SetBestTime records the offset to prefer when no time is requested.
func (c *Client) SetBestTime(ctx context.Context, videoID string, t float64) error {
	return c.rdb.Set(ctx, bestTimePrefix+videoID, thumbnail.FormatTime(t), 0).Err()
}

// BestTime returns the canonical offset string of the best-time hint.
func (c *Client) BestTime(ctx context.Context, videoID string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, bestTimePrefix+videoID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// --- job status channel ---

// PublishStatus publishes the terminal status of a job. Exactly one terminal
// status is published per job.
func (c *Client) PublishStatus(ctx context.Context, fp thumbnail.Fingerprint, ok bool) error {
	payload := "false"
	if ok {
		payload = "true"
	}
	return c.rdb.Publish(ctx, fp.JobID(), payload).Err()
}

// SubscribeStatus subscribes to the fingerprint's status channel. The caller
// owns the subscription and must Close it.
func (c *Client) SubscribeStatus(ctx context.Context, fp thumbnail.Fingerprint) *redis.PubSub {
	return c.rdb.Subscribe(ctx, fp.JobID())
}

// --- job queues ---

// EnqueueJob creates the job marker and pushes the job id onto the queue of
// the given priority class. Returns false without enqueueing when a job for
// the fingerprint already exists.
func (c *Client) EnqueueJob(ctx context.Context, payload JobPayload, priority Priority) (bool, error) {
	fp, err := payload.Fingerprint()
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	created, err := c.rdb.SetNX(ctx, jobPrefix+fp.JobID(), data, jobTTL).Result()
	if err != nil || !created {
		return false, err
	}
	if err := c.rdb.RPush(ctx, string(priority), fp.JobID()).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// ClearJob removes the job marker once the worker published a terminal status.
func (c *Client) ClearJob(ctx context.Context, fp thumbnail.Fingerprint) error {
	return c.rdb.Del(ctx, jobPrefix+fp.JobID()).Err()
}

// QueueDepth returns the current depth of one queue.
func (c *Client) QueueDepth(ctx context.Context, priority Priority) (int64, error) {
	return c.rdb.LLen(ctx, string(priority)).Result()
}

// TotalQueueDepth returns the combined depth of both queues.
func (c *Client) TotalQueueDepth(ctx context.Context) (int64, error) {
	high, err := c.QueueDepth(ctx, PriorityHigh)
	if err != nil {
		return 0, err
	}
	normal, err := c.QueueDepth(ctx, PriorityNormal)
	if err != nil {
		return 0, err
	}
	return high + normal, nil
}

// Position returns the queue position of a job, counting from the consuming
// end across both queues. A job no longer queued reports position 0.
func (c *Client) Position(ctx context.Context, fp thumbnail.Fingerprint) (int64, error) {
	jobID := fp.JobID()

	idx, err := c.rdb.LPos(ctx, string(PriorityHigh), jobID, redis.LPosArgs{}).Result()
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, err
	}

	highDepth, err := c.QueueDepth(ctx, PriorityHigh)
	if err != nil {
		return 0, err
	}
	idx, err = c.rdb.LPos(ctx, string(PriorityNormal), jobID, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return highDepth + idx, nil
}

// PopJob blocks for up to timeout waiting for a job, serving the high queue
// first. Returns nil when the wait times out.
func (c *Client) PopJob(ctx context.Context, timeout time.Duration) (*QueuedJob, error) {
	res, err := c.rdb.BLPop(ctx, timeout, string(PriorityHigh), string(PriorityNormal)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}
	queue, jobID := res[0], res[1]

	job := &QueuedJob{Priority: Priority(queue)}
	data, err := c.rdb.Get(ctx, jobPrefix+jobID).Result()
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(data), &job.Payload); err != nil {
			return nil, fmt.Errorf("decode job payload %s: %w", jobID, err)
		}
	case errors.Is(err, redis.Nil):
		// Marker expired; recover the fingerprint from the job id.
		payload, perr := payloadFromJobID(jobID)
		if perr != nil {
			return nil, perr
		}
		job.Payload = payload
	default:
		return nil, err
	}
	return job, nil
}

func payloadFromJobID(jobID string) (JobPayload, error) {
	// Video ids may themselves contain '-'; they are always 11 characters.
	if len(jobID) < 13 || jobID[11] != '-' {
		return JobPayload{}, fmt.Errorf("malformed job id %q", jobID)
	}
	t, err := thumbnail.ParseTime(jobID[12:])
	if err != nil {
		return JobPayload{}, fmt.Errorf("malformed job id %q: %w", jobID, err)
	}
	return JobPayload{VideoID: jobID[:11], Time: t}, nil
}

// --- worker registry ---

// WorkerHeartbeat refreshes this worker's liveness key.
func (c *Client) WorkerHeartbeat(ctx context.Context, name string) error {
	return c.rdb.Set(ctx, workerPrefix+name, "1", workerTTL).Err()
}

// WorkerCount counts workers with a live heartbeat.
func (c *Client) WorkerCount(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, workerPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// --- proxy cache ---

// Proxies returns the cached proxy list JSON, if any.
func (c *Client) Proxies(ctx context.Context) (string, bool, error) {
	val, err := c.rdb.Get(ctx, proxiesKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetProxies stores the proxy list JSON.
func (c *Client) SetProxies(ctx context.Context, data string) error {
	return c.rdb.Set(ctx, proxiesKey, data, 0).Err()
}

// LastProxyFetch returns the unix timestamp of the last pool refresh.
func (c *Client) LastProxyFetch(ctx context.Context) (float64, error) {
	return c.readFloat(ctx, lastProxyFetchKey)
}

// SetLastProxyFetch records the unix timestamp of a pool refresh.
func (c *Client) SetLastProxyFetch(ctx context.Context, ts float64) error {
	return c.rdb.Set(ctx, lastProxyFetchKey, strconv.FormatFloat(ts, 'f', -1, 64), 0).Err()
}

// NextProxyFetch returns the current refresh window in seconds.
func (c *Client) NextProxyFetch(ctx context.Context) (float64, error) {
	return c.readFloat(ctx, nextProxyFetchKey)
}

// SetNextProxyFetch stores the refresh window in seconds.
func (c *Client) SetNextProxyFetch(ctx context.Context, seconds float64) error {
	return c.rdb.Set(ctx, nextProxyFetchKey, strconv.FormatFloat(seconds, 'f', -1, 64), 0).Err()
}

func (c *Client) readFloat(ctx context.Context, key string) (float64, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}
