// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package proxy selects egress proxies for upstream calls, either from a
// static list or from a periodically refreshed remote pool.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
)

// ErrNoProxies is returned when a remote pool is configured but empty.
var ErrNoProxies = errors.New("no proxies available at the moment")

const defaultListURL = "https://proxy.webshare.io/api/v2/proxy/list/?mode=direct&page=1&page_size=100&ordering=-valid"

// Info describes one usable egress proxy.
type Info struct {
	URL         string
	CountryCode string
}

type remoteProxy struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ProxyAddress string `json:"proxy_address"`
	Port         int    `json:"port"`
	CountryCode  string `json:"country_code"`
	Valid        bool   `json:"valid"`
}

type listResponse struct {
	Results *[]remoteProxy `json:"results"`
}

// Pool hands out proxies. With a provider token configured it serves from a
// refreshable remote pool cached in the coordinator store; the refresh window
// is randomised between 15 and 60 minutes so worker fleets don't refresh in
// lockstep.
type Pool struct {
	store   *coordstore.Client
	token   string
	static  []config.ProxyInfoConfig
	listURL string
	client  *http.Client
	limiter *rate.Limiter
	sf      singleflight.Group
	logger  zerolog.Logger
}

// New builds a pool from the configured static list and/or provider token.
func New(store *coordstore.Client, cfg *config.Config, logger zerolog.Logger) *Pool {
	return &Pool{
		store:   store,
		token:   cfg.ProxyToken,
		static:  cfg.ProxyURLs,
		listURL: defaultListURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
		logger:  logger,
	}
}

// Select returns a proxy to use for the next upstream call, or nil when no
// proxy is configured.
func (p *Pool) Select(ctx context.Context) (*Info, error) {
	if p.token == "" {
		if len(p.static) == 0 {
			return nil, nil
		}
		chosen := p.static[rand.IntN(len(p.static))]
		return &Info{URL: chosen.URL, CountryCode: chosen.CountryCode}, nil
	}

	proxies, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		return nil, ErrNoProxies
	}

	chosen := proxies[rand.IntN(len(proxies))]
	proxyURL := (&url.URL{
		Scheme: "http",
		User:   url.UserPassword(chosen.Username, chosen.Password),
		Host:   fmt.Sprintf("%s:%d", chosen.ProxyAddress, chosen.Port),
		Path:   "/",
	}).String()
	if _, err := url.Parse(proxyURL); err != nil {
		return nil, fmt.Errorf("proxy url is invalid %s: %w", proxyURL, err)
	}
	return &Info{URL: proxyURL, CountryCode: chosen.CountryCode}, nil
}

// fetch serves the cached pool, refreshing it when the randomised window has
// elapsed. Concurrent refreshes collapse onto one upstream request.
func (p *Pool) fetch(ctx context.Context) ([]remoteProxy, error) {
	res, err, _ := p.sf.Do("fetch", func() (any, error) {
		return p.fetchLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]remoteProxy), nil
}

func (p *Pool) fetchLocked(ctx context.Context) ([]remoteProxy, error) {
	next, err := p.store.NextProxyFetch(ctx)
	if err != nil {
		return nil, err
	}
	last, err := p.store.LastProxyFetch(ctx)
	if err != nil {
		return nil, err
	}

	now := float64(time.Now().Unix())
	if now-last > next && p.limiter.Allow() {
		if err := p.store.SetNextProxyFetch(ctx, waitPeriod()); err != nil {
			return nil, err
		}
		if err := p.store.SetLastProxyFetch(ctx, now); err != nil {
			return nil, err
		}

		fresh, err := p.refresh(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("proxy pool refresh failed, serving cached list")
		} else if fresh != nil {
			return fresh, nil
		}
	}

	cached, ok, err := p.store.Proxies(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var proxies []remoteProxy
	if err := json.Unmarshal([]byte(cached), &proxies); err != nil {
		return nil, fmt.Errorf("decode cached proxies: %w", err)
	}
	return proxies, nil
}

// refresh pulls the pool from the provider. A response without a result list
// is treated as a rate-limit signal: the next fetch is pushed out a minute.
func (p *Pool) refresh(ctx context.Context) ([]remoteProxy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.listURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode proxy list: %w", err)
	}
	if parsed.Results == nil {
		// Wait a minute for the rate limit to clear.
		if err := p.store.SetNextProxyFetch(ctx, 60); err != nil {
			return nil, err
		}
		return nil, nil
	}

	valid := make([]remoteProxy, 0, len(*parsed.Results))
	for _, proxy := range *parsed.Results {
		if proxy.Valid {
			valid = append(valid, proxy)
		}
	}
	data, err := json.Marshal(valid)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetProxies(ctx, string(data)); err != nil {
		return nil, err
	}
	return valid, nil
}

func waitPeriod() float64 {
	return float64((15 + rand.IntN(46)) * 60)
}
