package local

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
)

// AbsentHash is reported for tracked files that do not exist.
const AbsentHash = "absent"

// HashFile returns the hex sha256 of the file at path, AbsentHash when it
// does not exist, or "error: <reason>" when it cannot be read.
func HashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return AbsentHash
		}
		return "error: " + err.Error()
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "error: " + err.Error()
	}
	return hex.EncodeToString(h.Sum(nil))
}
