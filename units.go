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

package poolvisor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MemoryUnit names a binary multiple of a byte.
type MemoryUnit string

const (
	UnitB  MemoryUnit = "B"
	UnitKB MemoryUnit = "KB"
	UnitMB MemoryUnit = "MB"
	UnitGB MemoryUnit = "GB"
)

const bytesPerKB = 1024

var unitExponents = map[MemoryUnit]int{
	UnitB:  0,
	UnitKB: 1,
	UnitMB: 2,
	UnitGB: 3,
}

func unitFactor(u MemoryUnit) (float64, error) {
	exp, ok := unitExponents[u]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, string(u))
	}
	return math.Pow(bytesPerKB, float64(exp)), nil
}

// ConvertFromBytes expresses a byte count in the given unit.  Units are
// powers of 1024.
func ConvertFromBytes(bytes float64, to MemoryUnit) (float64, error) {
	f, err := unitFactor(to)
	if err != nil {
		return 0, err
	}
	return bytes / f, nil
}

// ConvertToBytes is the inverse of ConvertFromBytes.
func ConvertToBytes(v float64, from MemoryUnit) (float64, error) {
	f, err := unitFactor(from)
	if err != nil {
		return 0, err
	}
	return v * f, nil
}

// Threshold is a memory limit, kept in the unit the operator wrote it in
// so that samples are compared and logged in that same unit.
type Threshold struct {
	Value float64
	Unit  MemoryUnit
}

// ParseThreshold accepts a plain byte count ("1048576") or a number with
// a B, KB, MB or GB suffix ("500KB", "1.5 gb").  The value must be
// positive.
func ParseThreshold(s string) (*Threshold, error) {
	str := strings.TrimSpace(s)
	i := len(str)
	for i > 0 {
		c := str[i-1]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			break
		}
		i--
	}
	num := strings.TrimSpace(str[:i])
	unit := MemoryUnit(strings.ToUpper(str[i:]))
	if unit == "" {
		unit = UnitB
	}
	if _, ok := unitExponents[unit]; !ok {
		return nil, fmt.Errorf("%w: %q in %q", ErrUnknownUnit, str[i:], s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadMemory, s)
	}
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, fmt.Errorf("%w: %q must be positive", ErrBadMemory, s)
	}
	return &Threshold{Value: v, Unit: unit}, nil
}

// Bytes returns the threshold as a byte count.
func (t *Threshold) Bytes() float64 {
	b, _ := ConvertToBytes(t.Value, t.Unit)
	return b
}

// Exceeded reports whether a sample of the given size reaches the
// threshold, along with the sample expressed in the threshold's unit.
func (t *Threshold) Exceeded(bytes uint64) (float64, bool) {
	v, err := ConvertFromBytes(float64(bytes), t.Unit)
	if err != nil {
		return 0, false
	}
	return v, v >= t.Value
}

func (t *Threshold) String() string {
	return FormatMemory(t.Value, t.Unit)
}

// FormatMemory renders a value rounded to a whole number of its unit,
// the way memory is shown in logs.
func FormatMemory(v float64, unit MemoryUnit) string {
	return strconv.FormatInt(int64(math.Round(v)), 10) + string(unit)
}

// HumanBytes picks the largest unit in which the byte count is at least
// one, for display.
func HumanBytes(bytes uint64) string {
	unit := UnitB
	for _, u := range []MemoryUnit{UnitGB, UnitMB, UnitKB} {
		if f, _ := unitFactor(u); float64(bytes) >= f {
			unit = u
			break
		}
	}
	v, _ := ConvertFromBytes(float64(bytes), unit)
	if unit == UnitB {
		return FormatMemory(v, unit)
	}
	return strconv.FormatFloat(v, 'f', 1, 64) + string(unit)
}
