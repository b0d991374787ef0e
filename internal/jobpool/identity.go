package jobpool

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Identity derives a job's deduplication key from its qualified name and
// arguments: name alone without arguments, otherwise name plus "-" and the
// md5 hex of the argument identifier. Positional args are joined with "-",
// and each kwarg is appended as "(k, v)" in key order so map iteration
// order never changes the key.
func Identity(name string, args []any, kwargs map[string]any) string {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte('-')
		}
		fmt.Fprint(&b, a)
	}
	if len(kwargs) > 0 {
		keys := make([]string, 0, len(kwargs))
		for k := range kwargs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "(%s, %v)", k, kwargs[k])
		}
	}
	if b.Len() == 0 {
		return name
	}
	sum := md5.Sum([]byte(b.String()))
	return name + "-" + hex.EncodeToString(sum[:])
}
