package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestStaticStore(t *testing.T) {
	s := NewStaticStore(map[string]uint64{"tok-1": 42, "tok-2": 7})

	id, err := s.Authenticate(context.Background(), "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if id.ClientID != 42 || id.DeviceID == 0 {
		t.Errorf("unexpected identity %+v", id)
	}
	again, _ := s.Authenticate(context.Background(), "tok-1")
	if again != id {
		t.Errorf("device id not stable: %+v vs %+v", again, id)
	}
	other, _ := s.Authenticate(context.Background(), "tok-2")
	if other.DeviceID == id.DeviceID {
		t.Error("different tokens share a device id")
	}
	for _, tok := range []string{"", "nope"} {
		if _, err := s.Authenticate(context.Background(), tok); !errors.Is(err, ErrUnknownToken) {
			t.Errorf("%q: expected ErrUnknownToken, got %v", tok, err)
		}
	}
}

func TestParseTokens(t *testing.T) {
	in := `
# device tokens
tok-1 42
tok-2	7
`
	got, err := ParseTokens(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["tok-1"] != 42 || got["tok-2"] != 7 {
		t.Errorf("unexpected tokens %v", got)
	}

	for _, bad := range []string{"tok-1", "tok-1 x", "a 1\na 2", "a 1 2"} {
		if _, err := ParseTokens(strings.NewReader(bad)); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

// fakeRedis serves hashes from memory.
type fakeRedis struct {
	hashes map[string]map[string]string
	seq    int64
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	v, ok := f.hashes[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd {
	h := f.hashes[key]
	if _, ok := h[field]; ok {
		return redis.NewBoolResult(false, nil)
	}
	h[field] = strconv.FormatInt(value.(int64), 10)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.seq++
	return redis.NewIntResult(f.seq, nil)
}

func TestRedisStore(t *testing.T) {
	f := &fakeRedis{hashes: map[string]map[string]string{
		"kproxy:device:tok-1": {"client_id": "42"},
		"kproxy:device:tok-2": {"client_id": "7", "device_id": "99"},
		"kproxy:device:bad":   {"client_id": "x"},
	}}
	s := NewRedisStore(f)
	ctx := context.Background()

	id, err := s.Authenticate(ctx, "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if id.ClientID != 42 || id.DeviceID != 1 {
		t.Errorf("unexpected identity %+v", id)
	}
	if f.hashes["kproxy:device:tok-1"]["device_id"] != "1" {
		t.Error("assigned device id was not stored")
	}
	again, err := s.Authenticate(ctx, "tok-1")
	if err != nil || again != id {
		t.Errorf("second auth %+v %v, want %+v", again, err, id)
	}

	id2, err := s.Authenticate(ctx, "tok-2")
	if err != nil || id2 != (Identity{ClientID: 7, DeviceID: 99}) {
		t.Errorf("stored device id not used: %+v %v", id2, err)
	}

	if _, err := s.Authenticate(ctx, "missing"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
	if _, err := s.Authenticate(ctx, "bad"); err == nil || errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected a parse error for a corrupt record, got %v", err)
	}
}
