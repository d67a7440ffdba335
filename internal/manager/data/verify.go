// Package data implements Haggle's Data Manager (spec §4.5): the
// verify-insert-republish pipeline that turns a verified data object into
// a stored one, and the periodic aging sweep that reclaims old ones.
package data

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // wire-format compatible hash, not used for authentication
	"io"
	"os"

	"github.com/haggle-project/haggled/internal/dataobject"
)

// VerifyPayload streams obj's payload through SHA-1 and reports the
// resulting DataState (spec §4.5 "verification helper"). Meant to run off
// the kernel goroutine: it does file I/O.
func VerifyPayload(obj *dataobject.DataObject) dataobject.DataState {
	if obj.Payload == nil {
		return dataobject.DataNoData
	}
	if len(obj.Payload.FileHash) == 0 {
		// Nothing to check the payload against; trust it.
		return dataobject.DataVerifiedOK
	}

	f, err := os.Open(obj.Payload.FilePath)
	if err != nil {
		return dataobject.DataVerifiedBad
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return dataobject.DataVerifiedBad
	}

	if !bytes.Equal(h.Sum(nil), obj.Payload.FileHash) {
		return dataobject.DataVerifiedBad
	}
	return dataobject.DataVerifiedOK
}
