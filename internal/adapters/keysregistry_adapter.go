package adapters

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
	"github.com/stakewatch/validators-monitor/internal/application/ports"
	"github.com/stakewatch/validators-monitor/internal/logger"
)

// KeysRegistry fetches the pubkey → operator mapping from a keys API. The key
// list can run into the hundreds of thousands, so the response is consumed
// with an incremental iterator instead of decoding the whole body at once.
type KeysRegistry struct {
	baseURL         string
	refreshInterval time.Duration
	client          *http.Client
	log             zerolog.Logger

	mu          sync.RWMutex
	keys        map[string]domain.RegistryKey
	lastUpdated time.Time
}

var _ ports.KeysRegistry = (*KeysRegistry)(nil)

// NewKeysRegistry constructs the registry client.
func NewKeysRegistry(baseURL string, refreshInterval time.Duration) *KeysRegistry {
	return &KeysRegistry{
		baseURL:         baseURL,
		refreshInterval: refreshInterval,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
			Timeout: 5 * time.Minute,
		},
		keys: make(map[string]domain.RegistryKey),
		log:  logger.For("keys-registry"),
	}
}

type registryOperator struct {
	Index uint64 `json:"index"`
	Name  string `json:"name"`
}

// Update refreshes the key set when the previous fetch is older than the
// refresh interval. The registry service itself refreshes on its own
// schedule, so fetching more often buys nothing.
func (r *KeysRegistry) Update(ctx context.Context) error {
	r.mu.RLock()
	fresh := time.Since(r.lastUpdated) < r.refreshInterval && len(r.keys) > 0
	r.mu.RUnlock()
	if fresh {
		return nil
	}

	operators, err := r.fetchOperators(ctx)
	if err != nil {
		return err
	}
	keys, err := r.fetchKeys(ctx, operators)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.keys = keys
	r.lastUpdated = time.Now()
	r.mu.Unlock()
	r.log.Info().Int("keys", len(keys)).Int("operators", len(operators)).Msg("registry updated")
	return nil
}

func (r *KeysRegistry) fetchOperators(ctx context.Context) (map[uint64]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/operators", nil)
	if err != nil {
		return nil, errors.Wrap(err, "building operators request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching operators")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("operators request returned %d", resp.StatusCode)
	}

	var payload struct {
		Data []registryOperator `json:"data"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decoding operators")
	}
	operators := make(map[uint64]string, len(payload.Data))
	for _, op := range payload.Data {
		operators[op.Index] = op.Name
	}
	return operators, nil
}

// fetchKeys streams the keys array token by token: each element is decoded
// and dropped before the next is read.
func (r *KeysRegistry) fetchKeys(ctx context.Context, operators map[uint64]string) (map[string]domain.RegistryKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/keys", nil)
	if err != nil {
		return nil, errors.Wrap(err, "building keys request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching keys")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("keys request returned %d", resp.StatusCode)
	}

	keys := make(map[string]domain.RegistryKey)
	iter := jsoniter.Parse(jsoniter.ConfigCompatibleWithStandardLibrary, resp.Body, 64*1024)
	for field := iter.ReadObject(); field != ""; field = iter.ReadObject() {
		if field != "data" {
			iter.Skip()
			continue
		}
		for iter.ReadArray() {
			var entry struct {
				Key           string `json:"key"`
				OperatorIndex uint64 `json:"operatorIndex"`
			}
			iter.ReadVal(&entry)
			keys[entry.Key] = domain.RegistryKey{
				OperatorIndex: entry.OperatorIndex,
				OperatorName:  operators[entry.OperatorIndex],
			}
		}
	}
	if iter.Error != nil && iter.Error != io.EOF {
		return nil, errors.Wrap(iter.Error, "streaming keys")
	}
	return keys, nil
}

// OperatorKey looks up a validator public key. A miss means the validator is
// not monitored.
func (r *KeysRegistry) OperatorKey(pubKey string) (domain.RegistryKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[pubKey]
	return k, ok
}

// Size returns the number of known keys.
func (r *KeysRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
