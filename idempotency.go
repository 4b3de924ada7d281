package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// IdempotencyKey computes the deterministic fingerprint that collapses
// duplicate start requests: SHA-256 over the workflow type and the
// canonical-JSON form of the input. Canonical form sorts object keys
// recursively, so semantically identical inputs hash identically
// regardless of field ordering.
func IdempotencyKey(wfType string, input map[string]any) string {
	payload := struct {
		Type  string         `json:"type"`
		Input map[string]any `json:"input"`
	}{
		Type:  strings.TrimSpace(wfType),
		Input: canonicalize(input),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%#v", payload))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// StepIdempotencyKey derives the token an idempotent step passes to
// downstream systems: stable per workflow key and step name, so a crash
// recovery re-invocation presents the same token as the original attempt.
func StepIdempotencyKey(workflowKey, stepName string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(workflowKey) + ":" + strings.TrimSpace(stepName)))
	return hex.EncodeToString(sum[:])
}

// canonicalize round-trips a value through JSON so structs, typed maps and
// numbers collapse to the generic form encoding/json serializes with
// sorted keys. Slice order is preserved: element order is semantic.
func canonicalize(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return input
	}
	return normalized
}

// keyLocker serializes same-process start requests per idempotency key so
// concurrent duplicates collapse without hitting the store's unique
// constraint. Cross-process races still resolve through the constraint.
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLockRef
}

type keyLockRef struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{
		locks: make(map[string]*keyLockRef),
	}
}

func (l *keyLocker) Lock(key string) func() {
	if l == nil {
		return func() {}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok || ref == nil {
		ref = &keyLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
