package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/subculture-collective/repubengine/llm"
)

// LoadCatalog reads the partition/category catalog JSON configured via
// CATEGORY_CATALOG_PATH into the tree `llm.ClassifyCategory` walks. A
// missing file is not an error: the catalog is empty and
// `RecommendPartition` degrades to the fixed-category/no-match path, the
// same "feature degrades non-fatally" posture as the rest of the LLM
// Adapter (spec §4.5/§4.14).
func LoadCatalog(path string) ([]llm.Category, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read category catalog %s: %w", path, err)
	}
	var catalog []llm.Category
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parse category catalog %s: %w", path, err)
	}
	return catalog, nil
}
