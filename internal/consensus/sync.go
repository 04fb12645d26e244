package consensus

import (
	"fmt"

	"github.com/echenim/bftnode/internal/codec"
	"github.com/echenim/bftnode/internal/types"
)

// handleSyncRequest answers a peer's request for a block this replica
// has stored. A miss is not an error: the requester will have asked
// every peer it knows of and only needs one hit.
func (c *Core) handleSyncRequest(digest types.Hash, requester types.PublicKey) error {
	data, ok, err := c.store.Read(digest)
	if err != nil {
		return fmt.Errorf("%w: read requested block %s: %v", ErrStorage, digest, err)
	}
	if !ok {
		return nil
	}

	var b types.Block
	if err := codec.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("%w: decode requested block %s: %v", ErrSerialization, digest, err)
	}

	if err := c.network.SendSyncReply(&b, requester); err != nil {
		return fmt.Errorf("%w: send sync reply to %s: %v", ErrNetwork, requester, err)
	}
	return nil
}
