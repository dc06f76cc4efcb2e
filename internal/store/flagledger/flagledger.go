// Package flagledger implements the flag-ledger checkpointing scheme of
// §4.2: a periodic snapshot of the complete live-key set that bounds a
// point-in-time range scan to at most 1<<KeyShift diffs. Arithmetic is
// ported from original_source's BackendIndexer::getKeyIndexOfSeq and
// isKeyFlagLedger.
package flagledger

// KeyIndex and BookIndex are distinct wrapper types so callers cannot
// accidentally pass a plain uint32 meant for one where the other is
// expected — the same guard the reference BackendIndexer.h comment
// documents ("prevent developers from accidentally mixing up the two
// indexes").
type KeyIndex struct{ Value uint32 }
type BookIndex struct{ Value uint32 }

// Scheme bundles the process-wide key_shift constant.
type Scheme struct {
	KeyShift uint
}

// New returns a Scheme for keyShift, defaulting to 20 (every 2^20 ledgers)
// when shift is 0. It does not check the [16, 24] range; config.Load does.
func New(keyShift uint) Scheme {
	if keyShift == 0 {
		keyShift = 20
	}
	return Scheme{KeyShift: keyShift}
}

// IsFlagLedger reports whether seq is a flag ledger: s % (1<<key_shift) == 0.
func (s Scheme) IsFlagLedger(seq uint32) bool {
	return seq%(1<<s.KeyShift) == 0
}

// KeyIndexOfSeq returns the next flag ledger >= seq — the checkpoint a
// read at seq must replay diffs forward from.
func (s Scheme) KeyIndexOfSeq(seq uint32) KeyIndex {
	if s.IsFlagLedger(seq) {
		return KeyIndex{seq}
	}
	incr := uint32(1) << s.KeyShift
	idx := (seq>>s.KeyShift<<s.KeyShift) + incr
	return KeyIndex{idx}
}
