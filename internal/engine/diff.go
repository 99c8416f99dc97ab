package engine

import (
	"bytes"
	"fmt"

	"github.com/bamsammich/volcopy/internal/copymeta"
)

// diffPlanner decides, block by block, whether an incremental backup must
// transfer a block or can reference the previous copy's payload.
type diffPlanner struct {
	prev    *copymeta.Copy
	session int
	records []copymeta.Block
}

func newDiffPlanner(prev *copymeta.Copy) *diffPlanner {
	return &diffPlanner{prev: prev, session: -1}
}

// load reads the previous copy's records for session.
func (p *diffPlanner) load(session int) error {
	recs, err := p.prev.SessionBlocks(session)
	if err != nil {
		return fmt.Errorf("%w: previous copy: %w", ErrMetadataCorruption, err)
	}
	p.session = session
	p.records = recs
	return nil
}

// unchanged returns the record to inherit for it, or false when the block
// must be transferred.
func (p *diffPlanner) unchanged(it *blockItem) (copymeta.Block, bool) {
	if it.digest == nil || it.local >= len(p.records) {
		return copymeta.Block{}, false
	}
	prev := p.records[it.local]
	if prev.Offset != it.offset || prev.Length != it.length || prev.Digest == nil {
		return copymeta.Block{}, false
	}
	if !bytes.Equal(prev.Digest, it.digest) {
		return copymeta.Block{}, false
	}
	rec := prev
	rec.Inherited = true
	return rec, true
}

// validate checks every session of the previous copy before any transfer.
func (p *diffPlanner) validate() error {
	for i := range p.prev.Manifest.Sessions {
		recs, err := p.prev.SessionBlocks(i)
		if err != nil {
			return fmt.Errorf("%w: previous copy: %w", ErrMetadataCorruption, err)
		}
		for _, r := range recs {
			if _, ok := p.prev.Manifest.DataDirFor(r.Holder); !ok {
				return fmt.Errorf("%w: previous copy: block %d held by unknown copy %s",
					ErrMetadataCorruption, r.Index, r.Holder)
			}
		}
	}
	return nil
}
