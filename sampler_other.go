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

//go:build !linux

package poolvisor

import (
	"errors"
)

// ProcfsSampler needs /proc, which only Linux provides.
type ProcfsSampler struct{}

func NewProcfsSampler() (*ProcfsSampler, error) {
	return nil, errors.ErrUnsupported
}

func (s *ProcfsSampler) Sample(pids []int) (map[int]Usage, error) {
	return nil, errors.ErrUnsupported
}
