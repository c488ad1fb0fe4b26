package twitter

import (
	"encoding/json"
	"fmt"
	"os"
)

// ReadFollowsCache loads a follow set persisted by a previous run.
// The file holds a JSON array of follow ids.
func ReadFollowsCache(path string) (FollowSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decoding follows cache: %w", err)
	}
	return NewFollowSet(ids...), nil
}

// WriteFollowsCache persists the follow set for the next run.
func WriteFollowsCache(path string, follows FollowSet) error {
	data, err := json.Marshal(follows.IDs())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
