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
	"strconv"

	"github.com/gdamore/poolvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollTimeHeader asks the server to hold a conditional GET for up to
	// this many seconds, until the resource no longer matches the
	// If-None-Match Etag.
	PollTimeHeader = "X-Poolvisor-Poll-Time"

	// MaxPollTime caps how long the server holds a request.
	MaxPollTime = 300
)

var ok struct{}

type WorkerInfo = poolvisor.WorkerInfo
type PoolInfo = poolvisor.PoolInfo
type LogRecord = poolvisor.LogRecord

// LogInfo is the response of the log endpoint.  Last is the id of the
// newest line on the server, to be passed as "since" in the next request.
type LogInfo struct {
	Last    int64       `json:"last,string"`
	Records []LogRecord `json:"records"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func formatEtag(serial int64) string {
	return strconv.Quote(strconv.FormatInt(serial, 10))
}
