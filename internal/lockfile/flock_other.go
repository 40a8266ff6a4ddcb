//go:build !unix

package lockfile

import (
	"os"
)

// File locking is advisory-only off unix; the JSON lock record plus
// exclusive create remains the real mutual-exclusion mechanism there.

func FlockExclusiveBlock(f *os.File) error { return nil }

func FlockUnlock(f *os.File) error { return nil }
