package prompt

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/local/tenderpipe/internal/job"
)

// Field and record separators for the canonical fingerprint stream. They
// cannot occur in canonicalized values, so distinct input maps cannot
// produce the same stream.
const (
	fpFieldSep  = "\x1f"
	fpRecordSep = "\x1e"
)

// Fingerprint hashes everything that determines a model call: task kind,
// template version, model tier and the canonicalized inputs. Inputs that
// differ only in whitespace or key order produce the same fingerprint.
func Fingerprint(task job.TaskKind, version string, tier job.Tier, inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha3.New256()
	h.Write([]byte(string(task) + fpFieldSep + version + fpFieldSep + string(tier) + fpFieldSep))
	for _, k := range keys {
		h.Write([]byte(k + fpFieldSep + canonicalValue(inputs[k]) + fpRecordSep))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalValue trims the value and collapses every whitespace run to a
// single space.
func canonicalValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}
