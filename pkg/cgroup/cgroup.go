package cgroup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// Group is a single directory in the unified hierarchy
type Group struct {
	path string
}

// Path returns the directory backing the group
func (g *Group) Path() string {
	return g.path
}

// AddProc writes pid into cgroup.procs
func (g *Group) AddProc(pid int) error {
	return g.WriteUint(cgroupProcs, uint64(pid))
}

// Destroy removes the group directory, it fails while processes remain inside
func (g *Group) Destroy() error {
	return remove(g.path)
}

// SetCPUBandwidth set cpu.max quota period
func (g *Group) SetCPUBandwidth(quota, period uint64) error {
	content := strconv.FormatUint(quota, 10) + " " + strconv.FormatUint(period, 10)
	return g.WriteFile(cpuMax, []byte(content))
}

// SetMemoryLimit memory.max
func (g *Group) SetMemoryLimit(l uint64) error {
	return g.WriteUint(memoryMax, l)
}

// MemoryEvents reads memory.events.local
func (g *Group) MemoryEvents() (MemoryEvents, error) {
	b, err := g.ReadFile(memoryEventsLocal)
	if err != nil {
		return nil, err
	}
	return parseMemoryEvents(b)
}

// WriteUint writes uint64 into given file
func (g *Group) WriteUint(filename string, i uint64) error {
	return g.WriteFile(filename, []byte(strconv.FormatUint(i, 10)))
}

// WriteFile writes cgroup file and handles potential EINTR error while writes to
// the slow device (cgroup)
func (g *Group) WriteFile(name string, content []byte) error {
	return writeFile(path.Join(g.path, name), content)
}

// ReadFile reads cgroup file and handles potential EINTR error while read to
// the slow device (cgroup)
func (g *Group) ReadFile(name string) ([]byte, error) {
	return readFile(path.Join(g.path, name))
}

// MemoryEvents holds the counters of memory.events.local
type MemoryEvents map[string]uint64

func (e MemoryEvents) String() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := make([]string, 0, len(keys))
	for _, k := range keys {
		s = append(s, k+"="+strconv.FormatUint(e[k], 10))
	}
	return strings.Join(s, " ")
}

func parseMemoryEvents(b []byte) (MemoryEvents, error) {
	e := make(MemoryEvents)
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) != 2 {
			continue
		}
		v, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cgroup: invalid memory event %q %w", s.Text(), err)
		}
		e[parts[0]] = v
	}
	return e, s.Err()
}

func remove(name string) error {
	if name != "" {
		return os.Remove(name)
	}
	return nil
}

func readFile(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	for err != nil && errors.Is(err, syscall.EINTR) {
		data, err = os.ReadFile(p)
	}
	return data, err
}

func writeFile(p string, content []byte) error {
	err := os.WriteFile(p, content, filePerm)
	for err != nil && errors.Is(err, syscall.EINTR) {
		err = os.WriteFile(p, content, filePerm)
	}
	return err
}
