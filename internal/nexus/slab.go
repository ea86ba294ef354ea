package nexus

import "github.com/darkprokoba/tnexus/internal/flow"

// slabCapacity bounds the number of simultaneously live Flows. Matches
// the source implementation's 126 usable entries once the reserved
// handles (invalid, listener, waker) are accounted for.
const slabCapacity = 126

// firstSlabIndex is where Flow indices start; 0, 1 and 2 are reserved
// for the invalid handle, the listener and the waker eventfd.
const firstSlabIndex = 3

// generationMask keeps slot generations within the 15 bits a
// handle.Handle can carry, so a live handle's Generation always equals
// its slot's generation.
const generationMask = 1<<15 - 1

// slab is a fixed-capacity, generation-tagged pool of Flow slots,
// indexed directly in handle space (indices firstSlabIndex ..
// firstSlabIndex+slabCapacity-1) so a handle's index can be used to
// address it without an extra offset translation at each call site. A
// slot's generation increments every time it is vacated, so a stale
// epoll event for a handle from a reused slot can be detected and
// dropped instead of being misdelivered to the wrong Flow.
type slab struct {
	entries    []*flow.Flow // entries[i] backs handle index firstSlabIndex+i
	generation []uint16
	free       []uint32 // stack of free handle-space indices, LIFO
}

func newSlab() *slab {
	s := &slab{
		entries:    make([]*flow.Flow, slabCapacity),
		generation: make([]uint16, slabCapacity),
		free:       make([]uint32, slabCapacity),
	}
	for i := range s.free {
		// fill free stack so index firstSlabIndex is handed out first
		s.free[i] = uint32(firstSlabIndex + slabCapacity - 1 - i)
	}
	return s
}

func (s *slab) slot(index uint32) int { return int(index) - firstSlabIndex }

// reserve pops a free slot, returning its handle-space index and
// current generation. ok is false if the slab is full.
func (s *slab) reserve() (index uint32, generation uint16, ok bool) {
	if len(s.free) == 0 {
		return 0, 0, false
	}
	index = s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return index, s.generation[s.slot(index)], true
}

// insert occupies a previously reserved slot.
func (s *slab) insert(index uint32, f *flow.Flow) {
	s.entries[s.slot(index)] = f
}

// get returns the Flow at index if its generation matches, nil
// otherwise (a stale or out-of-range handle).
func (s *slab) get(index uint32, generation uint16) *flow.Flow {
	slot := s.slot(index)
	if slot < 0 || slot >= len(s.entries) {
		return nil
	}
	if s.generation[slot] != generation {
		return nil
	}
	return s.entries[slot]
}

// remove frees index, bumping its generation so any in-flight stale
// event targeting the old generation is rejected by get.
func (s *slab) remove(index uint32) {
	slot := s.slot(index)
	s.entries[slot] = nil
	s.generation[slot] = (s.generation[slot] + 1) & generationMask
	s.free = append(s.free, index)
}

func (s *slab) len() int {
	return len(s.entries) - len(s.free)
}
