package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"imagevault/internal/models"
)

// Snapshot is a complete JSON-serialisable view of the datastore, used by the
// migrate-json-to-postgres tool to replay one backend into another.
type Snapshot struct {
	Images         map[string]models.Image         `json:"images"`
	Thumbnails     map[string]models.Thumbnail     `json:"thumbnails"`
	ExpiringLinks  map[string]models.ExpiringLink  `json:"expiringLinks"`
	ThumbnailSizes map[string]models.ThumbnailSize `json:"thumbnailSizes"`
	AccountTiers   map[string]models.AccountTier   `json:"accountTiers"`
	Grants         map[string][]string             `json:"grants"`
}

// SnapshotCounts summarises collection sizes so operators can sanity-check an
// import.
type SnapshotCounts struct {
	Images         int
	Thumbnails     int
	ExpiringLinks  int
	ThumbnailSizes int
	AccountTiers   int
	Grants         int
}

// Counts tallies each collection in the snapshot.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	return SnapshotCounts{
		Images:         len(s.Images),
		Thumbnails:     len(s.Thumbnails),
		ExpiringLinks:  len(s.ExpiringLinks),
		ThumbnailSizes: len(s.ThumbnailSizes),
		AccountTiers:   len(s.AccountTiers),
		Grants:         len(s.Grants),
	}
}

// LoadSnapshotFromJSON reads a JSON datastore file into a Snapshot.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// Snapshot exports the current dataset.
func (s *Storage) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := cloneDataset(s.data)
	return &Snapshot{
		Images:         clone.Images,
		Thumbnails:     clone.Thumbnails,
		ExpiringLinks:  clone.ExpiringLinks,
		ThumbnailSizes: clone.ThumbnailSizes,
		AccountTiers:   clone.AccountTiers,
		Grants:         clone.Grants,
	}
}
