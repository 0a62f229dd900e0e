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

//go:build unix

package poolvisor

import (
	"context"
	"os"
	"syscall"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGracefulShutdown(t *testing.T) {
	Convey("SIGTERM shuts the pool down", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			n, _ := p.Start(context.Background(), 2)
			So(n, ShouldEqual, 2)
			stop := NewShutdown(p, nil, testLogger(t)).RegisterGracefulShutdown()
			defer stop()

			So(syscall.Kill(os.Getpid(), syscall.SIGTERM), ShouldBeNil)
			So(eventually(func() bool { return closed(p.Exhausted()) }), ShouldBeTrue)
			So(p.Len(), ShouldEqual, 0)
			So(p.AutoRestart(), ShouldBeFalse)
		}))
}
