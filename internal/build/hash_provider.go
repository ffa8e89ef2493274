package build

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// HashProvider computes content hashes with xxhash. File hashes go through a
// per-path metadata cache of modification time and size so unchanged files
// are not re-read.
type HashProvider struct {
	mu       sync.RWMutex
	metadata map[string]fileStamp
}

type fileStamp struct {
	modTime int64
	size    int64
	hash    string
}

// NewHashProvider creates a hash provider.
func NewHashProvider() *HashProvider {
	return &HashProvider{metadata: make(map[string]fileStamp)}
}

// Sum returns the 16-digit hex xxhash of data.
func Sum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// SumString returns the 16-digit hex xxhash of s.
func SumString(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// ContentKey identifies a transform by module id, loaded source and the
// signature of the plugin chain that will process it.
func (hp *HashProvider) ContentKey(id, code, signature string) string {
	hasher := xxhash.New()
	_, _ = hasher.WriteString(id)
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.WriteString(signature)
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.WriteString(code)
	return fmt.Sprintf("%016x", hasher.Sum64())
}

// Signature hashes a plugin list and config values into one chain signature.
// Order of parts matters; map-like inputs should be sorted by the caller.
func Signature(parts ...string) string {
	hasher := xxhash.New()
	for _, p := range parts {
		_, _ = hasher.WriteString(p)
		_, _ = hasher.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", hasher.Sum64())
}

// SortedPairs flattens m into "k=v" strings in key order for Signature.
func SortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + m[k]
	}
	return out
}

// FileHash returns the content hash of path. A stat whose metadata matches a
// previous call returns the cached hash without opening the file.
func (hp *HashProvider) FileHash(path string) (string, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	hp.mu.RLock()
	cached, found := hp.metadata[path]
	hp.mu.RUnlock()
	if found && cached.modTime == stat.ModTime().UnixNano() && cached.size == stat.Size() {
		return cached.hash, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := xxhash.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	hash := fmt.Sprintf("%016x", hasher.Sum64())

	hp.mu.Lock()
	hp.metadata[path] = fileStamp{modTime: stat.ModTime().UnixNano(), size: stat.Size(), hash: hash}
	hp.mu.Unlock()
	return hash, nil
}

// Forget drops the cached metadata of path.
func (hp *HashProvider) Forget(path string) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	delete(hp.metadata, path)
}
