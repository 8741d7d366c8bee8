// Package config reads the generator settings from one yaml file or a directory of them and reloads them on
// SIGHUP. Keys are dotted paths into the nested maps, e.g. "bridge.slot_size".
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	Settings map[string]any

	l        *logrus.Logger
	path     string
	previous map[string]any
	onReload []func(*C)
	mu       sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{Settings: map[string]any{}, l: l}
}

// Load reads path. A directory contributes every .yml and .yaml file beneath it in lexical order, and a key set
// by a later file wins.
func (c *C) Load(path string) error {
	files, err := yamlFiles(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	merged := map[string]any{}
	for _, f := range files {
		m, err := readYAML(f)
		if err != nil {
			return err
		}
		if err := mergo.Merge(&m, merged, mergo.WithAppendSlice); err != nil {
			return fmt.Errorf("merge %s: %w", f, err)
		}
		merged = m
	}

	c.path = path
	c.Settings = merged
	return nil
}

func (c *C) LoadString(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty configuration")
	}

	m := map[string]any{}
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	c.Settings = m
	return nil
}

// RegisterReloadCallback adds f to the functions run after every successful reload. f can use HasChanged to skip
// work when its keys did not change.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.onReload = append(c.onReload, f)
}

// InitialLoad is true until the first reload.
func (c *C) InitialLoad() bool {
	return c.previous == nil
}

// HasChanged reports whether k differs between the settings before and after the last reload. An empty k
// compares all settings.
func (c *C) HasChanged(k string) bool {
	if c.previous == nil {
		return false
	}
	if k == "" {
		return !reflect.DeepEqual(c.Settings, c.previous)
	}
	return !reflect.DeepEqual(lookup(c.Settings, k), lookup(c.previous, k))
}

// CatchHUP reloads the files given to Load whenever the process gets SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				c.l.WithField("path", c.path).Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	path := c.path
	_ = c.reload(func() error { return c.Load(path) })
}

func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := maps.Clone(c.Settings)
	if err := load(); err != nil {
		c.l.WithError(err).Error("Failed to reload config, keeping the current settings")
		return err
	}

	c.previous = before
	for _, f := range c.onReload {
		f(c)
	}
	return nil
}

func (c *C) Get(k string) any {
	return lookup(c.Settings, k)
}

func (c *C) IsSet(k string) bool {
	return c.Get(k) != nil
}

// raw is the value of k formatted as a string, yaml having already decided whether it was a number or a word.
func (c *C) raw(k string) (string, bool) {
	v := c.Get(k)
	if v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// GetString returns k or d when k is not set.
func (c *C) GetString(k, d string) string {
	if s, ok := c.raw(k); ok {
		return s
	}
	return d
}

// GetInt returns k or d when k is not set or not an integer. Hex is accepted.
func (c *C) GetInt(k string, d int) int {
	s, _ := c.raw(k)
	v, err := strconv.ParseInt(s, 0, 0)
	if err != nil {
		return d
	}
	return int(v)
}

// GetUint64 is GetInt for block addresses, which are often written in hex.
func (c *C) GetUint64(k string, d uint64) uint64 {
	s, _ := c.raw(k)
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return d
	}
	return v
}

// GetByteSize reads sizes like 4096, 2M or 1GiB, see ParseByteSize.
func (c *C) GetByteSize(k string, d int) int {
	s, _ := c.raw(k)
	v, err := ParseByteSize(s)
	if err != nil {
		return d
	}
	return v
}

// GetBool also takes y/yes and n/no.
func (c *C) GetBool(k string, d bool) bool {
	s, _ := c.raw(k)
	switch strings.ToLower(s) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		return d
	}
	return v
}

func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	s, _ := c.raw(k)
	v, err := time.ParseDuration(s)
	if err != nil {
		return d
	}
	return v
}

func lookup(settings map[string]any, k string) any {
	var v any = settings
	for _, part := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[part]
	}
	return v
}

// Suffixes are powers of 1024 and checked longest first.
var byteUnits = []struct {
	suffix string
	shift  uint
}{
	{"gib", 30}, {"mib", 20}, {"kib", 10},
	{"gb", 30}, {"mb", 20}, {"kb", 10},
	{"g", 30}, {"m", 20}, {"k", 10},
	{"b", 0},
}

// ParseByteSize parses a non negative byte count with an optional unit, e.g. "4096", "0x1000", "2M" or "1 GiB".
func ParseByteSize(s string) (int, error) {
	num := strings.ToLower(strings.TrimSpace(s))
	if num == "" {
		return 0, errors.New("empty size")
	}

	var shift uint
	for _, u := range byteUnits {
		if n, ok := strings.CutSuffix(num, u.suffix); ok {
			num, shift = strings.TrimSpace(n), u.shift
			break
		}
	}

	v, err := strconv.ParseInt(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return int(v << shift), nil
}

func readYAML(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m := map[string]any{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// yamlFiles returns the absolute path of path when it is a file, otherwise of every yaml file beneath it, sorted.
// A path that does not exist yields no files.
func yamlFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil
	}
	if !info.IsDir() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{abs}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("read config directory %s: %w", path, err)
		}
		switch filepath.Ext(p) {
		case ".yml", ".yaml":
		default:
			return nil
		}
		if d.IsDir() {
			return nil
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files = append(files, abs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(files)
	return files, nil
}
