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

package main

import (
	"errors"
	"fmt"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/poolvisor"
)

var errValidation = errors.New("invalid configuration")

// settings is the raw configuration as gathered from flags, environment
// and config file, before validation.  It is also what "poolvisord config"
// prints.
type settings struct {
	Entrypoint         string   `yaml:"entrypoint"`
	Args               []string `yaml:"args,omitempty"`
	Processes          int      `yaml:"processes"`
	MaxMemoryRestart   string   `yaml:"max-memory-restart,omitempty"`
	DisableAutoRestart bool     `yaml:"disable-auto-restart"`
	ExpBackoff         bool     `yaml:"exp-backoff"`
	MaxRestarts        int      `yaml:"max-restarts"`
	GracePeriod        string   `yaml:"grace-period"`
	SampleInterval     string   `yaml:"sample-interval"`
	StartupWindow      string   `yaml:"startup-window"`
	RestartRate        float64  `yaml:"restart-rate"`
	MirrorOutput       bool     `yaml:"mirror-output"`
	Listen             string   `yaml:"listen,omitempty"`
	Auth               string   `yaml:"auth,omitempty"`
	Metrics            bool     `yaml:"metrics"`
	Verbose            bool     `yaml:"verbose"`
	LogJSON            bool     `yaml:"log-json"`
	Color              bool     `yaml:"color"`
}

// daemonConfig is the validated form of settings.
type daemonConfig struct {
	pool       poolvisor.Config
	entrypoint string
	args       []string
	listen     string
	user       string
	hash       []byte
	metrics    bool
	log        poolvisor.LogOptions
}

func addPoolFlags(fs *pflag.FlagSet) {
	fs.IntP("processes", "p", runtime.NumCPU(), "number of workers")
	fs.String("max-memory-restart", "", "restart a worker at this much memory (e.g. 500KB, 250MB, 1GB)")
	fs.Bool("disable-auto-restart", false, "remove workers that exit instead of replacing them")
	fs.Bool("exp-backoff", false, "back off exponentially between respawn attempts")
	fs.Int("max-restarts", poolvisor.DefaultRetries, "respawn attempts per restart")
	fs.String("grace-period", "5s", "time between SIGTERM and SIGKILL (plain numbers are milliseconds)")
	fs.String("sample-interval", "500ms", "time between resource samples")
	fs.String("startup-window", "3s", "time a respawned worker must stay up")
	fs.Float64("restart-rate", 0, "restarts per second across the pool, 0 for unlimited")
	fs.Bool("mirror-output", true, "copy worker output into the log")
	fs.String("listen", "", "control API address, empty to disable")
	fs.String("auth", "", "require basic auth, as user:bcrypt-hash")
	fs.Bool("metrics", false, "serve Prometheus metrics on the control API")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("POOLVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// loadSettings reads the effective settings.  Positional arguments, when
// present, override the entrypoint and its arguments.
func loadSettings(v *viper.Viper, configFile string, args []string) (settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("read %s: %w", configFile, err)
		}
	}
	s := settings{
		Entrypoint:         v.GetString("entrypoint"),
		Args:               v.GetStringSlice("args"),
		Processes:          v.GetInt("processes"),
		MaxMemoryRestart:   v.GetString("max-memory-restart"),
		DisableAutoRestart: v.GetBool("disable-auto-restart"),
		ExpBackoff:         v.GetBool("exp-backoff"),
		MaxRestarts:        v.GetInt("max-restarts"),
		GracePeriod:        v.GetString("grace-period"),
		SampleInterval:     v.GetString("sample-interval"),
		StartupWindow:      v.GetString("startup-window"),
		RestartRate:        v.GetFloat64("restart-rate"),
		MirrorOutput:       v.GetBool("mirror-output"),
		Listen:             v.GetString("listen"),
		Auth:               v.GetString("auth"),
		Metrics:            v.GetBool("metrics"),
		Verbose:            v.GetBool("verbose"),
		LogJSON:            v.GetBool("log-json"),
		Color:              v.GetBool("color"),
	}
	if len(args) > 0 {
		s.Entrypoint = args[0]
		s.Args = args[1:]
	}
	return s, nil
}

// parseDuration accepts Go durations, and plain numbers as milliseconds.
func parseDuration(name, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%w: --%s %q is not a duration", errValidation, name, s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: --%s must be positive", errValidation, name)
	}
	return d, nil
}

func (s settings) validate() (*daemonConfig, error) {
	dc := &daemonConfig{
		args:    s.Args,
		listen:  s.Listen,
		metrics: s.Metrics,
		log: poolvisor.LogOptions{
			Name:  "poolvisord",
			Level: "info",
			JSON:  s.LogJSON,
			Color: s.Color,
		},
	}
	if s.Verbose {
		dc.log.Level = "debug"
	}

	if s.Entrypoint == "" {
		return nil, fmt.Errorf("%w: no entrypoint given", errValidation)
	}
	path, err := exec.LookPath(s.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("%w: entrypoint: %w", errValidation, err)
	}
	dc.entrypoint = path

	if s.Processes <= 0 {
		return nil, fmt.Errorf("%w: --processes must be positive", errValidation)
	}
	if s.MaxRestarts <= 0 {
		return nil, fmt.Errorf("%w: --max-restarts must be positive", errValidation)
	}
	if s.RestartRate < 0 || math.IsNaN(s.RestartRate) {
		return nil, fmt.Errorf("%w: --restart-rate must not be negative", errValidation)
	}
	if s.DisableAutoRestart && s.MaxMemoryRestart != "" {
		return nil, fmt.Errorf("%w: --disable-auto-restart and --max-memory-restart are mutually exclusive", errValidation)
	}

	cfg := poolvisor.Config{
		Processes:          s.Processes,
		MaxRetries:         s.MaxRestarts,
		DisableAutoRestart: s.DisableAutoRestart,
		ExpBackoff:         s.ExpBackoff,
		MirrorOutput:       s.MirrorOutput,
		RestartRate:        s.RestartRate,
		PollInterval:       poolvisor.DefaultPollInterval,
	}
	if s.MaxMemoryRestart != "" {
		th, err := poolvisor.ParseThreshold(s.MaxMemoryRestart)
		if err != nil {
			return nil, fmt.Errorf("%w: --max-memory-restart: %w", errValidation, err)
		}
		cfg.MaxMemory = th
	}
	if cfg.GracePeriod, err = parseDuration("grace-period", s.GracePeriod); err != nil {
		return nil, err
	}
	if cfg.SampleInterval, err = parseDuration("sample-interval", s.SampleInterval); err != nil {
		return nil, err
	}
	if cfg.StartupWindow, err = parseDuration("startup-window", s.StartupWindow); err != nil {
		return nil, err
	}
	dc.pool = cfg

	if s.Auth != "" {
		user, hash, found := strings.Cut(s.Auth, ":")
		if !found || user == "" {
			return nil, fmt.Errorf("%w: --auth must be user:bcrypt-hash", errValidation)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: --auth: %w", errValidation, err)
		}
		dc.user, dc.hash = user, []byte(hash)
	}
	if (s.Auth != "" || s.Metrics) && s.Listen == "" {
		return nil, fmt.Errorf("%w: --auth and --metrics need --listen", errValidation)
	}
	return dc, nil
}
