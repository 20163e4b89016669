package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// BanList is the persisted set of ports excluded from assignment.
// The file holds a JSON array of integers.
type BanList struct {
	path  string
	mu    sync.Mutex
	ports map[int]struct{}
	mtime time.Time
}

func NewBanList(path string) *BanList {
	return &BanList{path: path}
}

// refresh reloads the file when it changed on disk. Caller holds mu.
func (b *BanList) refresh() error {
	fi, err := os.Stat(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			b.ports = map[int]struct{}{}
			b.mtime = time.Time{}
			return nil
		}
		return fmt.Errorf("stat ban list: %w", err)
	}
	if b.ports != nil && fi.ModTime().Equal(b.mtime) {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("read ban list: %w", err)
	}
	var list []int
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decode ban list: %w", err)
		}
	}
	ports := make(map[int]struct{}, len(list))
	for _, p := range list {
		ports[p] = struct{}{}
	}
	b.ports = ports
	b.mtime = fi.ModTime()
	return nil
}

func (b *BanList) persist() error {
	data, err := json.Marshal(b.sorted())
	if err != nil {
		return err
	}
	if err := writeAtomic(b.path, data); err != nil {
		return err
	}
	if fi, err := os.Stat(b.path); err == nil {
		b.mtime = fi.ModTime()
	}
	return nil
}

func (b *BanList) sorted() []int {
	out := make([]int, 0, len(b.ports))
	for p := range b.ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Contains reports whether port is banned. An unreadable file bans nothing.
func (b *BanList) Contains(port int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(); err != nil {
		return false
	}
	_, ok := b.ports[port]
	return ok
}

func (b *BanList) List() ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(); err != nil {
		return nil, err
	}
	return b.sorted(), nil
}

func (b *BanList) Add(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(); err != nil {
		return err
	}
	if _, ok := b.ports[port]; ok {
		return nil
	}
	b.ports[port] = struct{}{}
	return b.persist()
}

func (b *BanList) Remove(port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(); err != nil {
		return err
	}
	if _, ok := b.ports[port]; !ok {
		return nil
	}
	delete(b.ports, port)
	return b.persist()
}
