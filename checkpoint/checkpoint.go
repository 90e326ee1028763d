// Package checkpoint persists the durability engine's recovery frontier:
// the VClock up to which every row is known to be both flushed to a
// segment and safe to skip on the next recovery pass. It follows the
// write-temp-fsync-rename-atomically pattern used throughout the engine
// for anything that must never be observed half-written.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/vclock"
)

// MagicNumber identifies a checkpoint file on disk.
const MagicNumber uint32 = 0x434b_5031 // "CKP1"

// FileName is the well-known checkpoint file within the WAL directory.
const FileName = "checkpoint.bin"

// Checkpoint is the recovery frontier: the VClock of the last row that is
// guaranteed durable, plus the time it was taken (diagnostics only).
type Checkpoint struct {
	VClock *vclock.VClock
	At     time.Time
}

// Write atomically writes cp to dir, replacing any prior checkpoint.
func Write(dir string, cp Checkpoint) error {
	tempPath := filepath.Join(dir, FileName+".tmp")
	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return core.NewError(core.KindIO, "create temp checkpoint file", err)
	}

	if err := binary.Write(f, binary.LittleEndian, MagicNumber); err != nil {
		f.Close()
		return core.NewError(core.KindIO, "write checkpoint magic", err)
	}
	if err := binary.Write(f, binary.LittleEndian, cp.At.UnixNano()); err != nil {
		f.Close()
		return core.NewError(core.KindIO, "write checkpoint timestamp", err)
	}
	ids := cp.VClock.Ids()
	if err := binary.Write(f, binary.LittleEndian, uint32(len(ids))); err != nil {
		f.Close()
		return core.NewError(core.KindIO, "write checkpoint vclock length", err)
	}
	for _, id := range ids {
		if err := binary.Write(f, binary.LittleEndian, id); err != nil {
			f.Close()
			return core.NewError(core.KindIO, "write checkpoint vclock id", err)
		}
		if err := binary.Write(f, binary.LittleEndian, cp.VClock.Get(id)); err != nil {
			f.Close()
			return core.NewError(core.KindIO, "write checkpoint vclock lsn", err)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return core.NewError(core.KindIO, "fsync temp checkpoint file", err)
	}
	if err := f.Close(); err != nil {
		return core.NewError(core.KindIO, "close temp checkpoint file", err)
	}

	finalPath := filepath.Join(dir, FileName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return core.NewError(core.KindIO, "rename checkpoint file", err)
	}
	return nil
}

// Read loads the checkpoint from dir. found is false (with a nil error) if
// no checkpoint has ever been written, which is the normal state for a
// brand-new node.
func Read(dir string) (cp Checkpoint, found bool, err error) {
	path := filepath.Join(dir, FileName)
	f, openErr := os.Open(path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, core.NewError(core.KindIO, "open checkpoint file", openErr)
	}
	defer f.Close()

	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return Checkpoint{}, true, core.NewError(core.KindCorrupted, "read checkpoint magic", err)
	}
	if magic != MagicNumber {
		return Checkpoint{}, true, core.NewError(core.KindCorrupted, fmt.Sprintf("bad checkpoint magic %x", magic), nil)
	}
	var atNano int64
	if err := binary.Read(f, binary.LittleEndian, &atNano); err != nil {
		return Checkpoint{}, true, core.NewError(core.KindCorrupted, "read checkpoint timestamp", err)
	}
	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return Checkpoint{}, true, core.NewError(core.KindCorrupted, "read checkpoint vclock length", err)
	}
	v := vclock.New()
	for i := uint32(0); i < count; i++ {
		var id uint32
		var lsn uint64
		if err := binary.Read(f, binary.LittleEndian, &id); err != nil {
			return Checkpoint{}, true, core.NewError(core.KindCorrupted, "read checkpoint vclock id", err)
		}
		if err := binary.Read(f, binary.LittleEndian, &lsn); err != nil {
			return Checkpoint{}, true, core.NewError(core.KindCorrupted, "read checkpoint vclock lsn", err)
		}
		v.Set(id, lsn)
	}
	return Checkpoint{VClock: v, At: time.Unix(0, atNano).UTC()}, true, nil
}
