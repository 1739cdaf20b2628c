package repo

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore はプロセス内メモリだけで動く Store の実装です
// ストアは各コンポーネントに注入されるため、テストではこれをRedisの
// 代わりに差し込めます
// 順序の規則（スコア昇順、同スコアはメンバーの辞書順）はRedisに合わせています
type MemoryStore struct {
	mu     sync.Mutex
	zsets  map[string]map[string]float64
	hashes map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		zsets:  make(map[string]map[string]float64),
		hashes: make(map[string]map[string]string),
	}
}

func (ms *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.zaddLocked(key, score, member)
	return nil
}

func (ms *MemoryStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	members := ms.sortedMembersLocked(key)
	n := int64(len(members))
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = n + stop
	}
	if start >= n || stop < start {
		return []string{}, nil
	}
	if stop >= n {
		stop = n - 1
	}
	return members[start : stop+1], nil
}

func (ms *MemoryStore) ZRem(ctx context.Context, key string, members ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, m := range members {
		ms.zremLocked(key, m)
	}
	return nil
}

func (ms *MemoryStore) ZRank(ctx context.Context, key, member string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.zsets[key][member]; !ok {
		return 0, ErrNotFound
	}
	for i, m := range ms.sortedMembersLocked(key) {
		if m == member {
			return int64(i), nil
		}
	}
	return 0, ErrNotFound
}

func (ms *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	val, ok := ms.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (ms *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.hsetLocked(key, field, value)
	return nil
}

func (ms *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, f := range fields {
		ms.hdelLocked(key, f)
	}
	return nil
}

func (ms *MemoryStore) Batch(ctx context.Context, ops []Op) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.applyLocked(ops)
	return nil
}

func (ms *MemoryStore) ClaimBatch(ctx context.Context, claimKey, claimMember string, ops []Op) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.zsets[claimKey][claimMember]; !ok {
		return false, nil
	}
	ms.zremLocked(claimKey, claimMember)
	ms.applyLocked(ops)
	return true, nil
}

func (ms *MemoryStore) applyLocked(ops []Op) {
	for _, op := range ops {
		switch op.Kind {
		case OpZAdd:
			ms.zaddLocked(op.Key, op.Score, op.Member)
		case OpZRem:
			ms.zremLocked(op.Key, op.Member)
		case OpHSet:
			ms.hsetLocked(op.Key, op.Field, op.Value)
		case OpHDel:
			ms.hdelLocked(op.Key, op.Field)
		}
	}
}

func (ms *MemoryStore) zaddLocked(key string, score float64, member string) {
	if ms.zsets[key] == nil {
		ms.zsets[key] = make(map[string]float64)
	}
	ms.zsets[key][member] = score
}

func (ms *MemoryStore) zremLocked(key, member string) {
	if set, ok := ms.zsets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(ms.zsets, key)
		}
	}
}

func (ms *MemoryStore) hsetLocked(key, field, value string) {
	if ms.hashes[key] == nil {
		ms.hashes[key] = make(map[string]string)
	}
	ms.hashes[key][field] = value
}

func (ms *MemoryStore) hdelLocked(key, field string) {
	if h, ok := ms.hashes[key]; ok {
		delete(h, field)
		if len(h) == 0 {
			delete(ms.hashes, key)
		}
	}
}

func (ms *MemoryStore) sortedMembersLocked(key string) []string {
	set := ms.zsets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := set[members[i]], set[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members
}
