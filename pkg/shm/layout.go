package shm

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	ishm "github.com/srediag/pcipc/internal/shm"
)

// Descriptor layout.
const (
	HeaderSize = 64

	offMagic      = 0
	offVersion    = 8
	offSlotSize   = 12
	offCapacity   = 16
	offHead       = 20
	offTail       = 24
	offRefcount   = 28
	offRunning    = 32
	offDone       = 36
	offGeneration = 40

	// Version of the descriptor layout.
	Version = 1
)

var magic = []byte("PCIPCQ1\x00")

// Snapshot is a point-in-time copy of the descriptor and the flow-control counts.
type Snapshot struct {
	Capacity   uint32
	SlotSize   uint32
	Head       uint32
	Tail       uint32
	Refcount   int32
	Running    bool
	Done       bool
	Generation uint32
	// Empty and Full are the semaphore counts; zero when read from a file alone.
	Empty uint32
	Full  uint32
}

func (s Snapshot) String() string {
	return fmt.Sprintf("cap:%d slot:%d head:%d tail:%d refcount:%d running:%t done:%t gen:%d empty:%d full:%d",
		s.Capacity, s.SlotSize, s.Head, s.Tail, s.Refcount, s.Running, s.Done, s.Generation, s.Empty, s.Full)
}

func readHeader(mem []byte) Snapshot {
	return Snapshot{
		Capacity:   ishm.AtomicLoadUint32(mem, offCapacity),
		SlotSize:   ishm.AtomicLoadUint32(mem, offSlotSize),
		Head:       ishm.AtomicLoadUint32(mem, offHead),
		Tail:       ishm.AtomicLoadUint32(mem, offTail),
		Refcount:   ishm.AtomicLoadInt32(mem, offRefcount),
		Running:    ishm.AtomicLoadUint32(mem, offRunning) == 1,
		Done:       ishm.AtomicLoadUint32(mem, offDone) == 1,
		Generation: ishm.AtomicLoadUint32(mem, offGeneration),
	}
}

func validHeader(mem []byte) error {
	if len(mem) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrCorruptSegment, len(mem))
	}
	if !bytes.Equal(mem[offMagic:offMagic+len(magic)], magic) {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptSegment, mem[offMagic:offMagic+len(magic)])
	}
	if v := ishm.AtomicLoadUint32(mem, offVersion); v != Version {
		return fmt.Errorf("%w: version %d", ErrCorruptSegment, v)
	}
	h := readHeader(mem)
	if h.Capacity == 0 || h.SlotSize == 0 || h.Head >= h.Capacity || h.Tail >= h.Capacity {
		return fmt.Errorf("%w: %s", ErrCorruptSegment, h)
	}
	return nil
}

// SegmentSize returns the number of bytes a segment with the given geometry occupies.
func SegmentSize(capacity, slotSize uint32) int {
	return HeaderSize + int(capacity)*int(slotSize)
}

// Inspect reads the descriptor of the segment file at path without attaching.
func Inspect(path string) (Snapshot, error) {
	mem, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	if err := validHeader(mem); err != nil {
		return Snapshot{}, err
	}
	return readHeader(mem), nil
}

// Describe prints the descriptor and the occupied slots of the segment file at path.
func Describe(w io.Writer, path string) error {
	mem, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := validHeader(mem); err != nil {
		return err
	}
	h := readHeader(mem)
	if _, err := fmt.Fprintf(w, "path:%s %s\n", path, h); err != nil {
		return err
	}
	for i := uint32(0); i < h.Capacity; i++ {
		off := HeaderSize + int(i)*int(h.SlotSize)
		if off+int(h.SlotSize) > len(mem) {
			break
		}
		msg := cString(mem[off : off+int(h.SlotSize)])
		if len(msg) == 0 {
			continue
		}
		var marks []string
		if i == h.Head {
			marks = append(marks, "head")
		}
		if i == h.Tail {
			marks = append(marks, "tail")
		}
		if _, err := fmt.Fprintf(w, "  slot %d %v %q\n", i, strings.Join(marks, ","), msg); err != nil {
			return err
		}
	}
	return nil
}

// cString returns the bytes of slot up to the first NUL.
func cString(slot []byte) []byte {
	if i := bytes.IndexByte(slot, 0); i >= 0 {
		return slot[:i]
	}
	return slot
}
