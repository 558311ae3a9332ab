package scu

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/masroore/dicomscp/internal/cache"
	"github.com/masroore/dicomscp/pkg/dimse"
)

// Find runs a C-FIND against the target and returns all matches. Identical
// queries against the same node are answered from the cache while the entry
// lives.
func (c *Client) Find(ctx context.Context, target Target, sopClassUID string, identifier *dimse.DataSet) ([]*dimse.DataSet, error) {
	level := strings.ToUpper(identifier.String(dimse.TagQueryRetrieveLevel))
	encodedQuery := dimse.EncodeDataSet(identifier, dimse.ExplicitVRLittleEndian)
	key := cache.QueryKey(target.AETitle, level, encodedQuery)

	if c.cache != nil {
		if data, err := c.cache.Get(ctx, key); err == nil {
			matches, err := decodeMatches(data)
			if err == nil {
				c.log.Debug().Str("remote_ae", target.AETitle).Int("matches", len(matches)).Msg("find served from cache")
				return matches, nil
			}
			_ = c.cache.Delete(ctx, key)
		}
	}

	assoc, err := c.dial(ctx, target, []*dimse.PresentationContext{
		dimse.ProposeContext(1, sopClassUID),
	})
	if err != nil {
		return nil, err
	}
	defer assoc.Release()

	var matches []*dimse.DataSet
	status, err := assoc.Find(sopClassUID, identifier, func(match *dimse.DataSet) error {
		matches = append(matches, match)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("C-FIND to %s failed: %w", target.AETitle, err)
	}
	if status != dimse.StatusSuccess {
		return nil, &dimse.StatusError{Operation: "C-FIND", Status: status}
	}

	if c.cache != nil && c.cacheTTL > 0 {
		if err := c.cache.Set(ctx, key, encodeMatches(matches), c.cacheTTL); err != nil {
			c.log.Warn().Err(err).Msg("failed to cache find result")
		}
	}
	return matches, nil
}

// MoveResult carries the terminal sub-operation counters of a C-MOVE.
type MoveResult struct {
	Status    uint16
	Completed uint16
	Failed    uint16
	Warnings  uint16
}

// Move asks the target to push the identified objects to destinationAE.
func (c *Client) Move(ctx context.Context, target Target, sopClassUID, destinationAE string, identifier *dimse.DataSet) (*MoveResult, error) {
	assoc, err := c.dial(ctx, target, []*dimse.PresentationContext{
		dimse.ProposeContext(1, sopClassUID),
	})
	if err != nil {
		return nil, err
	}
	defer assoc.Release()

	rsp, err := assoc.Move(sopClassUID, destinationAE, identifier, func(pending *dimse.Message) {
		if pending.Remaining != nil {
			c.log.Debug().Uint16("remaining", *pending.Remaining).Msg("move in progress")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("C-MOVE to %s failed: %w", target.AETitle, err)
	}

	result := &MoveResult{Status: rsp.Status}
	if rsp.Completed != nil {
		result.Completed = *rsp.Completed
	}
	if rsp.Failed != nil {
		result.Failed = *rsp.Failed
	}
	if rsp.Warning != nil {
		result.Warnings = *rsp.Warning
	}
	return result, nil
}

// encodeMatches packs match datasets for the cache as length-prefixed encoded
// datasets.
func encodeMatches(matches []*dimse.DataSet) []byte {
	var out []byte
	for _, m := range matches {
		encoded := dimse.EncodeDataSet(m, dimse.ExplicitVRLittleEndian)
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(encoded)))
		out = append(out, size[:]...)
		out = append(out, encoded...)
	}
	return out
}

func decodeMatches(data []byte) ([]*dimse.DataSet, error) {
	var matches []*dimse.DataSet
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated cache entry")
		}
		size := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < size {
			return nil, fmt.Errorf("truncated cache entry")
		}
		match, err := dimse.DecodeDataSet(data[:size], dimse.ExplicitVRLittleEndian)
		if err != nil {
			return nil, err
		}
		matches = append(matches, match)
		data = data[size:]
	}
	return matches, nil
}
