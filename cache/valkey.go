package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const valkeyKeyPrefix = "ogw:"

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
}

// ValkeyProvider stores generations in a Valkey or Redis server, for
// deployments where several gateway replicas share one cache.
// Generation names live in a set; entries are JSON values keyed by
// generation and cache key.
type ValkeyProvider struct {
	client valkey.Client
}

func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &ValkeyProvider{client: client}, nil
}

func namesKey() string {
	return valkeyKeyPrefix + "generations"
}

func entryKey(generation, key string) string {
	return valkeyKeyPrefix + "gen:" + generation + ":" + key
}

func entryPattern(generation string) string {
	return valkeyKeyPrefix + "gen:" + escapeMatch(generation) + ":*"
}

// escapeMatch quotes glob metacharacters so a generation name only ever
// matches itself inside a SCAN pattern.
func escapeMatch(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (p *ValkeyProvider) Open(ctx context.Context, name string) (Generation, error) {
	cmd := p.client.B().Sadd().Key(namesKey()).Member(name).Build()
	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("cache: valkey sadd: %w", err)
	}
	return valkeyGeneration{name: name, client: p.client}, nil
}

func (p *ValkeyProvider) Names(ctx context.Context) ([]string, error) {
	resp := p.client.Do(ctx, p.client.B().Smembers().Key(namesKey()).Build())
	names, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (p *ValkeyProvider) Drop(ctx context.Context, name string) error {
	// the name leaves the set first; puts check membership before
	// writing, so entries cannot reappear behind the sweep
	cmd := p.client.B().Srem().Key(namesKey()).Member(name).Build()
	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey srem: %w", err)
	}
	keys, err := scanKeys(ctx, p.client, entryPattern(name))
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := p.client.Do(ctx, p.client.B().Del().Key(keys...).Build()).Error(); err != nil {
			return fmt.Errorf("cache: valkey del: %w", err)
		}
	}
	return nil
}

func (p *ValkeyProvider) Close() error {
	p.client.Close()
	return nil
}

func scanKeys(ctx context.Context, client valkey.Client, pattern string) ([]string, error) {
	keys := make([]string, 0)
	var cursor uint64
	for {
		cmd := client.B().Scan().Cursor(cursor).Match(pattern).Count(200).Build()
		entry, err := client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("cache: valkey scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

type valkeyGeneration struct {
	name   string
	client valkey.Client
}

func (g valkeyGeneration) Name() string {
	return g.name
}

func (g valkeyGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	resp := g.client.Do(ctx, g.client.B().Get().Key(entryKey(g.name, key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey unmarshal: %w", err)
	}
	return entry, true, nil
}

func (g valkeyGeneration) Put(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal: %w", err)
	}
	member := g.client.Do(ctx, g.client.B().Sismember().Key(namesKey()).Member(g.name).Build())
	known, err := member.AsInt64()
	if err != nil {
		return fmt.Errorf("cache: valkey sismember: %w", err)
	}
	if known == 0 {
		// the generation was dropped; the write goes nowhere
		return nil
	}
	cmd := g.client.B().Set().Key(entryKey(g.name, entry.Key)).Value(string(payload)).Build()
	if err := g.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey set: %w", err)
	}
	return nil
}

func (g valkeyGeneration) Delete(ctx context.Context, key string) error {
	cmd := g.client.B().Del().Key(entryKey(g.name, key)).Build()
	if err := g.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey del: %w", err)
	}
	return nil
}

func (g valkeyGeneration) Keys(ctx context.Context) ([]string, error) {
	scanned, err := scanKeys(ctx, g.client, entryPattern(g.name))
	if err != nil {
		return nil, err
	}
	prefix := entryKey(g.name, "")
	keys := make([]string, 0, len(scanned))
	for _, k := range scanned {
		keys = append(keys, k[len(prefix):])
	}
	sort.Strings(keys)
	return keys, nil
}

func (g valkeyGeneration) Has(ctx context.Context, key string) bool {
	resp := g.client.Do(ctx, g.client.B().Exists().Key(entryKey(g.name, key)).Build())
	count, err := resp.AsInt64()
	return err == nil && count > 0
}
