// Package auth resolves device tokens to client identities.
package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

var ErrUnknownToken = errors.New("auth: unknown device token")

// Identity is what a device token authenticates as.
type Identity struct {
	ClientID uint64
	DeviceID uint64
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticStore authenticates against a fixed token table. Device ids are
// handed out on first use and stay stable for the life of the process.
type StaticStore struct {
	clients map[string]uint64

	mu      sync.Mutex
	devices map[string]uint64
	lastDev uint64
}

func NewStaticStore(tokens map[string]uint64) *StaticStore {
	clients := make(map[string]uint64, len(tokens))
	for k, v := range tokens {
		clients[k] = v
	}
	return &StaticStore{clients: clients, devices: make(map[string]uint64)}
}

func (s *StaticStore) Authenticate(_ context.Context, token string) (Identity, error) {
	id, ok := s.clients[token]
	if !ok || token == "" {
		return Identity{}, ErrUnknownToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[token]
	if !ok {
		s.lastDev++
		dev = s.lastDev
		s.devices[token] = dev
	}
	return Identity{ClientID: id, DeviceID: dev}, nil
}

func (s *StaticStore) Len() int { return len(s.clients) }

// ParseTokens reads "<token> <client-id>" lines. Blank lines and lines
// starting with # are skipped.
func ParseTokens(r io.Reader) (map[string]uint64, error) {
	out := make(map[string]uint64)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"<token> <client-id>\"", line)
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: client id: %w", line, err)
		}
		if _, dup := out[fields[0]]; dup {
			return nil, fmt.Errorf("line %d: duplicate token", line)
		}
		out[fields[0]] = id
	}
	return out, sc.Err()
}

// LoadTokenFile parses a token file with ParseTokens.
func LoadTokenFile(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tokens, err := ParseTokens(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tokens, nil
}
