// Copyright 2026 The Poolvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/context"
)

// Client talks to the control API of a poolvisord instance.  It remembers
// the last pool and worker list it fetched, so that watches can be
// conditional on the server's Etag.
type Client struct {
	user   string // HTTP Basic-Auth
	pass   string
	base   string // URI to root of tree on server
	auth   bool
	client *http.Client

	// Cached data
	pool        *PoolInfo
	poolEtag    string
	workers     []WorkerInfo
	workersEtag string
	lock        sync.Mutex
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) workerURL(uid string) string {
	return c.base + "/workers/" + url.PathEscape(uid)
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, e := http.NewRequestWithContext(ctx, method, url, nil)
	if e != nil {
		return nil, e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	return req, nil
}

// readError turns a failed response into an *Error, using the server's
// JSON body when there is one.
func readError(res *http.Response) error {
	e := &Error{}
	if body, err := io.ReadAll(res.Body); err == nil && json.Unmarshal(body, e) == nil && e.Message != "" {
		e.Code = res.StatusCode
		return e
	}
	return &Error{Code: res.StatusCode, Message: res.Status}
}

// poll issues an HTTP GET against the URL, optionally conditional on an
// Etag, and optionally asking the server to hold the request for up to
// wait seconds until the value changes.  The return value is the new Etag.
// If the value did not change, the returned Etag is "" and the error is nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := c.newRequest(ctx, "GET", url)
	if e != nil {
		return "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", readError(res)
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) post(ctx context.Context, url string) error {
	req, e := c.newRequest(ctx, "POST", url)
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", "text/plain") // we don't really care
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return readError(res)
	}
	return nil
}

func (c *Client) pollPool(ctx context.Context, secs int, last *PoolInfo) (*PoolInfo, error) {
	c.lock.Lock()
	cached, etag := c.pool, c.poolEtag
	c.lock.Unlock()
	if last == nil || cached == nil || last.Serial != cached.Serial {
		// Nothing to compare against, or the caller is behind our
		// cache; either way fetch without waiting.
		secs = 0
		if last == nil {
			etag = ""
		}
	}
	v := &PoolInfo{}
	ntag, e := c.poll(ctx, c.base+"/pool", etag, secs, v)
	if e != nil {
		return nil, e
	}
	if ntag == "" {
		return cached, nil
	}
	c.lock.Lock()
	c.pool, c.poolEtag = v, ntag
	c.lock.Unlock()
	return v, nil
}

// GetPool returns the pool summary.
func (c *Client) GetPool(ctx context.Context) (*PoolInfo, error) {
	return c.pollPool(ctx, 0, nil)
}

// WatchPool waits until the pool differs from last, or the server's poll
// time runs out, and returns the current summary.
func (c *Client) WatchPool(ctx context.Context, last *PoolInfo) (*PoolInfo, error) {
	return c.pollPool(ctx, MaxPollTime, last)
}

func (c *Client) pollWorkers(ctx context.Context, secs int, etag string) ([]WorkerInfo, string, error) {
	c.lock.Lock()
	cached, ctag := c.workers, c.workersEtag
	c.lock.Unlock()
	if etag != ctag {
		secs = 0
	}
	var v []WorkerInfo
	ntag, e := c.poll(ctx, c.base+"/workers", etag, secs, &v)
	if e != nil {
		return nil, "", e
	}
	if ntag == "" {
		return cached, ctag, nil
	}
	c.lock.Lock()
	c.workers, c.workersEtag = v, ntag
	c.lock.Unlock()
	return v, ntag, nil
}

// Workers returns every worker along with an Etag for WatchWorkers.
func (c *Client) Workers(ctx context.Context) ([]WorkerInfo, string, error) {
	return c.pollWorkers(ctx, 0, "")
}

// WatchWorkers waits for the worker list to change from the one tagged
// etag.
func (c *Client) WatchWorkers(ctx context.Context, etag string) ([]WorkerInfo, string, error) {
	return c.pollWorkers(ctx, MaxPollTime, etag)
}

func (c *Client) GetWorker(ctx context.Context, uid string) (*WorkerInfo, error) {
	v := &WorkerInfo{}
	if _, e := c.poll(ctx, c.workerURL(uid), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) RestartWorker(ctx context.Context, uid string) error {
	return c.post(ctx, c.workerURL(uid)+"/restart")
}

func (c *Client) TerminateWorker(ctx context.Context, uid string) error {
	return c.post(ctx, c.workerURL(uid)+"/terminate")
}

// GetLog returns the log lines after since.  With a positive wait the
// server holds the request until a line arrives or wait passes.
func (c *Client) GetLog(ctx context.Context, since int64, wait time.Duration) (*LogInfo, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if secs := int(wait / time.Second); secs > 0 {
		q.Set("wait", strconv.Itoa(secs))
	}
	v := &LogInfo{}
	if _, e := c.poll(ctx, c.base+"/log?"+q.Encode(), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURI, "/"),
		client: &http.Client{},
	}
	if t != nil {
		c.client.Transport = t
	}
	return c
}
