package checkpoints

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paxgo/pax/ml/distributed"
	"github.com/paxgo/pax/ml/partitioning"
	"github.com/paxgo/pax/ml/states"
	"github.com/paxgo/pax/types/shapes"
	"github.com/paxgo/pax/types/tensors"
)

// Consolidated (chunked) storage: instead of one file per leaf, each process
// appends its leaves' raw data to a single per-process chunk file and records
// where every leaf landed in an index. Chunks are content-addressed by
// SHA-256 digest, so identical leaves (common for replicated optimizer slots)
// are stored once. After all processes contribute, the leader merges the
// per-process partial indices into the final index.json, which doubles as the
// commit marker for the layout.
const (
	chunkIndexFileName = "index.json"
	chunkDataFileFmt   = "chunks-%05d-of-%05d.bin"
	chunkPartialFmt    = "index-%05d-of-%05d.json"

	chunkIndexVersion = 1
)

// chunkEntry locates one leaf inside a chunk file.
type chunkEntry struct {
	Name     string                    `json:"name"`
	Digest   string                    `json:"digest"`
	File     string                    `json:"file"`
	Offset   int64                     `json:"offset"`
	Length   int64                     `json:"length"`
	Shape    shapes.Shape              `json:"shape"`
	Sharding partitioning.LeafSharding `json:"sharding,omitempty"`
}

// chunkIndex is the merged descriptor of a consolidated checkpoint.
type chunkIndex struct {
	Version int          `json:"version"`
	Entries []chunkEntry `json:"entries"`
}

// isConsolidatedCheckpoint reports whether directory holds the chunked
// layout: the merged index is its commit marker.
func isConsolidatedCheckpoint(directory string) bool {
	_, err := os.Stat(filepath.Join(directory, chunkIndexFileName))
	return err == nil
}

func readChunkIndex(directory string) (*chunkIndex, error) {
	path := filepath.Join(directory, chunkIndexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read chunk index %q", path)
	}
	index := &chunkIndex{}
	if err = json.Unmarshal(data, index); err != nil {
		return nil, errors.Wrapf(err, "failed to decode chunk index %q", path)
	}
	if index.Version > chunkIndexVersion {
		return nil, errors.WithMessagef(ErrUnsupportedFormat,
			"chunk index %q has version %d, this build understands up to %d",
			path, index.Version, chunkIndexVersion)
	}
	return index, nil
}

func writeChunkIndexFile(path string, index *chunkIndex) error {
	data, err := json.MarshalIndent(index, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to encode chunk index %q", path)
	}
	if err = os.WriteFile(path, data, 0660); err != nil {
		return errors.Wrapf(err, "failed to write chunk index %q", path)
	}
	return nil
}

// saveConsolidated writes this process' leaves into its own chunk file and
// partial index, then (on the leader, after the fan-in barrier) merges all
// partials into the final index.json.
func (h *ShardedHandler) saveConsolidated(directory string, names []string, leaves []states.Value,
	flatSpecs []partitioning.Spec) error {
	rank, count := h.coord.ProcessIndex(), h.coord.ProcessCount()
	dataName := fmt.Sprintf(chunkDataFileFmt, rank, count)
	if err := os.MkdirAll(directory, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", directory)
	}
	dataFile, err := os.Create(filepath.Join(directory, dataName))
	if err != nil {
		return errors.Wrapf(err, "failed to create chunk file %q in %q", dataName, directory)
	}

	// Content addressing: a digest already written is only referenced.
	written := make(map[string]chunkEntry)
	partial := &chunkIndex{Version: chunkIndexVersion}
	var offset int64
	for ii, leaf := range leaves {
		tensor, ok := leaf.(*tensors.Tensor)
		if !ok {
			_ = dataFile.Close()
			return errors.Errorf("cannot save leaf %q: it holds %T, not tensor data", names[ii], leaf)
		}
		entry := chunkEntry{Name: names[ii], File: dataName, Shape: tensor.Shape()}
		if flatSpecs != nil {
			entry.Sharding = partitioning.LeafSharding{MeshAxes: flatSpecs[ii]}
		}
		tensor.ConstBytes(func(data []byte) {
			digest := sha256.Sum256(data)
			entry.Digest = hex.EncodeToString(digest[:])
			if prev, found := written[entry.Digest]; found {
				entry.File, entry.Offset, entry.Length = prev.File, prev.Offset, prev.Length
				return
			}
			var n int
			n, err = dataFile.Write(data)
			entry.Offset, entry.Length = offset, int64(n)
			offset += int64(n)
			written[entry.Digest] = entry
		})
		if err != nil {
			_ = dataFile.Close()
			return errors.Wrapf(err, "failed to write chunk for leaf %q", entry.Name)
		}
		partial.Entries = append(partial.Entries, entry)
	}
	if err = dataFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close chunk file %q", dataName)
	}

	partialName := fmt.Sprintf(chunkPartialFmt, rank, count)
	if err = writeChunkIndexFile(filepath.Join(directory, partialName), partial); err != nil {
		return err
	}
	if err = h.coord.Barrier("checkpoint-chunks-written"); err != nil {
		return errors.WithMessage(err, "waiting for all processes' chunks")
	}
	if distributed.IsLeader(h.coord) {
		if err = mergeChunkIndices(directory, count); err != nil {
			return err
		}
	}
	return errors.WithMessage(h.coord.Barrier("checkpoint-chunks-committed"),
		"waiting for chunk index merge")
}

// mergeChunkIndices combines the per-process partial indices into the final
// index.json and removes the partials. Entries are sorted by leaf name so the
// merged index is deterministic regardless of process count.
func mergeChunkIndices(directory string, count int) error {
	merged := &chunkIndex{Version: chunkIndexVersion}
	for rank := 0; rank < count; rank++ {
		partialPath := filepath.Join(directory, fmt.Sprintf(chunkPartialFmt, rank, count))
		data, err := os.ReadFile(partialPath)
		if err != nil {
			return errors.Wrapf(err, "missing partial chunk index for process %d of %d", rank, count)
		}
		partial := &chunkIndex{}
		if err = json.Unmarshal(data, partial); err != nil {
			return errors.Wrapf(err, "failed to decode partial chunk index %q", partialPath)
		}
		merged.Entries = append(merged.Entries, partial.Entries...)
	}
	sort.Slice(merged.Entries, func(i, j int) bool {
		return merged.Entries[i].Name < merged.Entries[j].Name
	})
	if err := writeChunkIndexFile(filepath.Join(directory, chunkIndexFileName), merged); err != nil {
		return err
	}
	for rank := 0; rank < count; rank++ {
		partialPath := filepath.Join(directory, fmt.Sprintf(chunkPartialFmt, rank, count))
		if err := os.Remove(partialPath); err != nil {
			klog.Warningf("checkpoints: failed to remove merged partial index %q: %v", partialPath, err)
		}
	}
	return nil
}

// restoreConsolidated reads the requested leaves out of the chunk files,
// verifying each chunk's digest before accepting it.
func (h *ShardedHandler) restoreConsolidated(directory string, names []string,
	targetLeaves []states.Value, flatSpecs []partitioning.Spec, args *RestoreArgs) ([]states.Value, error) {
	index, err := readChunkIndex(directory)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]chunkEntry, len(index.Entries))
	for _, entry := range index.Entries {
		byName[entry.Name] = entry
	}

	files := make(map[string]*os.File)
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	openChunkFile := func(name string) (*os.File, error) {
		if f, found := files[name]; found {
			return f, nil
		}
		f, err := os.Open(filepath.Join(directory, name))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open chunk file %q in %q", name, directory)
		}
		files[name] = f
		return f, nil
	}

	restored := make([]states.Value, len(names))
	for ii, name := range names {
		entry, found := byName[name]
		if !found {
			return nil, structuralMismatchf("consolidated checkpoint in %q has no entry for leaf %q expected by the target",
				directory, name)
		}
		if args.EnforceShapeCheck {
			expected := targetLeaves[ii].Shape()
			if !entry.Shape.Equal(expected) {
				return nil, &ShapeMismatchError{Leaf: name, Checkpoint: entry.Shape, Expected: expected}
			}
		}
		if err := h.checkPlacement(name, entry.Sharding, flatSpecs, ii, args.Mesh); err != nil {
			return nil, err
		}
		if want := entry.Shape.Memory(); want != uintptr(entry.Length) {
			return nil, errors.Errorf("chunk for leaf %q is %d bytes, shape %s needs %d -- corrupted index?",
				name, entry.Length, entry.Shape, want)
		}
		f, err := openChunkFile(entry.File)
		if err != nil {
			return nil, err
		}
		tensor := tensors.FromShape(entry.Shape)
		var readErr error
		tensor.MutableBytes(func(data []byte) {
			if _, err := f.ReadAt(data, entry.Offset); err != nil {
				readErr = errors.Wrapf(err, "failed to read chunk for leaf %q from %q", name, entry.File)
				return
			}
			digest := sha256.Sum256(data)
			if hex.EncodeToString(digest[:]) != entry.Digest {
				readErr = errors.Errorf("chunk digest mismatch for leaf %q in %q: data is corrupted",
					name, entry.File)
			}
		})
		if readErr != nil {
			return nil, readErr
		}
		restored[ii] = tensor
	}
	return restored, nil
}
