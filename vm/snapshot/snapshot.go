// Package snapshot captures a serializable picture of a runtime heap.
//
// A snapshot records every live object with its kind, size, tri-color
// state, and outgoing references, together with the collector's pacing
// figures at the moment of capture. Snapshots are encoded as canonical
// CBOR so that two captures of identical heaps compare byte-equal.
package snapshot

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/sablelang/sable/vm"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ErrNotPaused is returned when a capture is attempted while a collection
// cycle is in flight. Mid-cycle heaps mix white shades and partial mark
// state, so only paused heaps are captured.
var ErrNotPaused = errors.New("snapshot: collector is mid-cycle; run FullCollect first")

// Version identifies the snapshot encoding. Bump on incompatible change.
const Version = 1

// ObjectRecord describes one heap object.
type ObjectRecord struct {
	Handle uint64   `cbor:"handle"`
	Kind   string   `cbor:"kind"`
	Size   uint64   `cbor:"size"`
	Color  string   `cbor:"color"`
	Refs   []uint64 `cbor:"refs,omitempty"`
}

// Snapshot is a full heap capture.
type Snapshot struct {
	Version    int            `cbor:"version"`
	TotalBytes uint64         `cbor:"total-bytes"`
	Estimate   uint64         `cbor:"estimate"`
	Threshold  uint64         `cbor:"threshold"`
	Cycles     uint64         `cbor:"cycles"`
	Pause      int            `cbor:"pause"`
	StepMul    int            `cbor:"step-multiplier"`
	Objects    []ObjectRecord `cbor:"objects"`
}

// Capture records the heap of v. The collector must be paused; callers
// that want a snapshot of only reachable objects should run a full
// collection first.
func Capture(v *vm.VM) (*Snapshot, error) {
	if v.GCPhase() != vm.PhasePause {
		return nil, ErrNotPaused
	}

	s := &Snapshot{
		Version:    Version,
		TotalBytes: v.TotalBytes(),
		Estimate:   v.GCEstimate(),
		Threshold:  v.GCThreshold(),
		Cycles:     v.GCCycles(),
		Pause:      v.GCPause(),
		StepMul:    v.GCStepMul(),
	}

	v.EachObject(func(o vm.Object) {
		rec := ObjectRecord{
			Handle: uint64(o.Handle()),
			Kind:   o.Kind().String(),
			Size:   uint64(o.Size()),
			Color:  o.Header().Color(),
		}
		v.EachReference(o.Handle(), func(ref vm.Handle) {
			rec.Refs = append(rec.Refs, uint64(ref))
		})
		s.Objects = append(s.Objects, rec)
	})

	return s, nil
}

// Marshal serializes a Snapshot to canonical CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a Snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("snapshot: unsupported version %d", s.Version)
	}
	return &s, nil
}

// WriteFile captures the heap of v and writes the encoded snapshot to path.
func WriteFile(v *vm.VM, path string) error {
	s, err := Capture(v)
	if err != nil {
		return err
	}
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ReadFile loads a snapshot previously written with WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// ---------------------------------------------------------------------------
// Analysis helpers
// ---------------------------------------------------------------------------

// KindCounts tallies objects per kind.
func (s *Snapshot) KindCounts() map[string]int {
	counts := make(map[string]int)
	for _, o := range s.Objects {
		counts[o.Kind]++
	}
	return counts
}

// KindBytes tallies accounted bytes per kind.
func (s *Snapshot) KindBytes() map[string]uint64 {
	bytes := make(map[string]uint64)
	for _, o := range s.Objects {
		bytes[o.Kind] += o.Size
	}
	return bytes
}

// Reachable returns the handles reachable from the given roots by
// following recorded references.
func (s *Snapshot) Reachable(roots ...uint64) map[uint64]bool {
	refs := make(map[uint64][]uint64, len(s.Objects))
	for _, o := range s.Objects {
		refs[o.Handle] = o.Refs
	}

	seen := make(map[uint64]bool)
	stack := append([]uint64(nil), roots...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[h] {
			continue
		}
		if _, ok := refs[h]; !ok {
			continue
		}
		seen[h] = true
		stack = append(stack, refs[h]...)
	}
	return seen
}
