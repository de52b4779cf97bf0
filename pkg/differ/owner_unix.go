//go:build unix

package differ

import (
	"os"
	"syscall"
)

type ownerInfo struct {
	uid, gid int
}

// statOwner extracts the uid/gid of info, when the platform's os.FileInfo
// carries a syscall.Stat_t (true on every unix host keel targets).
func statOwner(info os.FileInfo) (ownerInfo, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ownerInfo{}, false
	}
	return ownerInfo{uid: int(st.Uid), gid: int(st.Gid)}, true
}
