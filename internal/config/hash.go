package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// HashTimer returns a content hash of one timer definition. Config blobs are
// canonicalized first, so key order and whitespace don't matter.
func HashTimer(tc TimerConfig) uint64 {
	canon := tc
	canon.Matcher.Config = canonicalJSON(tc.Matcher.Config)
	canon.Task.Config = canonicalJSON(tc.Task.Config)
	if tc.Context != nil {
		c := *tc.Context
		c.Config = canonicalJSON(c.Config)
		canon.Context = &c
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func canonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
