package cache

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// metadataHeader is written above the TOML document.
const metadataHeader = "# wisync cache metadata. Rewritten after every sync run.\n"

// EncodeMetadataTOML renders metadata as the sync.toml document.
func EncodeMetadataTOML(meta *types.SyncMetadata) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(metadataHeader)
	if err := toml.NewEncoder(&buf).Encode(meta); err != nil {
		return nil, syncerr.New(syncerr.CodeCacheIO, "cache.metadata",
			fmt.Errorf("failed to encode metadata: %w", err))
	}
	return buf.Bytes(), nil
}

// DecodeMetadataTOML parses a sync.toml document. Unknown keys are rejected
// so a hand-edited file with a typo does not silently lose data.
func DecodeMetadataTOML(data []byte) (*types.SyncMetadata, error) {
	var meta types.SyncMetadata
	md, err := toml.Decode(string(data), &meta)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeIntegrity, "cache.metadata",
			fmt.Errorf("failed to parse metadata: %w", err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, syncerr.New(syncerr.CodeIntegrity, "cache.metadata",
			fmt.Errorf("unknown metadata keys: %v", undecoded))
	}
	return &meta, nil
}
