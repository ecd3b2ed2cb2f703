package checkpoints

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/paxgo/pax/types/shapes"
	"github.com/paxgo/pax/types/tensors"
)

// LeafInfo describes one stored leaf of a checkpoint, as reported by
// Inspect.
type LeafInfo struct {
	Name  string
	Shape shapes.Shape

	// Masked marks a phantom position: the checkpoint records the leaf's
	// place in the tree but holds no data for it. Only the flat layout
	// stores such markers.
	Masked bool
}

// Inspect lists the leaves stored in the checkpoint step directory (or, for
// the flat layout, the aggregate file), detecting the layout on its own. It
// fully decodes every stored leaf, so a successful Inspect doubles as an
// integrity check; for consolidated checkpoints every chunk digest is
// re-verified.
func Inspect(path string) ([]LeafInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint path %q is not accessible", path)
	}
	if !info.IsDir() {
		return inspectFlat(path)
	}
	if isConsolidatedCheckpoint(path) {
		return inspectConsolidated(path)
	}
	if _, err := os.Stat(filepath.Join(path, FlatAggregateName)); err == nil {
		return inspectFlat(filepath.Join(path, FlatAggregateName))
	}
	return inspectSharded(path)
}

func inspectSharded(directory string) ([]LeafInfo, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoint %q", directory)
	}
	var leaves []LeafInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dataPath := filepath.Join(directory, entry.Name(), leafDataFileName)
		if _, err = os.Stat(dataPath); err != nil {
			continue
		}
		tensor, err := tensors.Load(dataPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "leaf %q is unreadable", entry.Name())
		}
		leaves = append(leaves, LeafInfo{Name: entry.Name(), Shape: tensor.Shape()})
	}
	if len(leaves) == 0 {
		return nil, errors.Errorf("%q holds no checkpoint leaves", directory)
	}
	return leaves, nil
}

func inspectConsolidated(directory string) ([]LeafInfo, error) {
	index, err := readChunkIndex(directory)
	if err != nil {
		return nil, err
	}
	files := make(map[string]*os.File)
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	var leaves []LeafInfo
	seen := make(map[string]bool)
	for _, entry := range index.Entries {
		if seen[entry.Name] {
			continue // Multi-process saves index the same leaf once per process.
		}
		seen[entry.Name] = true
		f, found := files[entry.File]
		if !found {
			f, err = os.Open(filepath.Join(directory, entry.File))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to open chunk file %q", entry.File)
			}
			files[entry.File] = f
		}
		data := make([]byte, entry.Length)
		if _, err = f.ReadAt(data, entry.Offset); err != nil {
			return nil, errors.Wrapf(err, "failed to read chunk for leaf %q", entry.Name)
		}
		digest := sha256.Sum256(data)
		if hex.EncodeToString(digest[:]) != entry.Digest {
			return nil, errors.Errorf("chunk digest mismatch for leaf %q in %q: data is corrupted",
				entry.Name, entry.File)
		}
		leaves = append(leaves, LeafInfo{Name: entry.Name, Shape: entry.Shape})
	}
	return leaves, nil
}

func inspectFlat(path string) ([]LeafInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open aggregate checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var header flatHeader
	if err = dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "%q is not an aggregate checkpoint", path)
	}
	leaves := make([]LeafInfo, 0, header.NumRecords)
	for ii := 0; ii < header.NumRecords; ii++ {
		var record flatRecord
		if err = dec.Decode(&record); err != nil {
			return nil, errors.Wrapf(err, "failed to decode record %d of %q", ii, path)
		}
		leaf := LeafInfo{Name: record.Name, Masked: record.Masked}
		if !record.Masked {
			tensor, err := tensors.GobDeserialize(dec)
			if err != nil {
				return nil, errors.WithMessagef(err, "leaf %q of %q is unreadable", record.Name, path)
			}
			leaf.Shape = tensor.Shape()
		}
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}
