package segmentcache

import "fmt"

func SnapshotKey(accountRef string) string {
	return fmt.Sprintf("segments:%s", accountRef)
}

func SyncedAtKey(accountRef string) string {
	return fmt.Sprintf("segments:%s:synced_at", accountRef)
}
