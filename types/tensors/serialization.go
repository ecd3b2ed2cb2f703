package tensors

import (
	"encoding/gob"
	"os"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/paxgo/pax/types/shapes"
)

// GobSerialize Tensor in binary format: the shape followed by the flat data.
//
// It returns an error for I/O errors.
// It panics for invalid (nil or finalized) tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	if t == nil {
		exceptions.Panicf("cannot serialize a nil Tensor")
	}
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	t.ConstFlatData(func(flat any) {
		err = encoder.Encode(flat)
		if err != nil {
			err = errors.Wrapf(err, "failed to write Tensor data")
		}
	})
	return
}

// GobDeserialize a Tensor from the decoder. Returns a new Tensor or an error.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		err = errors.WithMessagef(err, "failed to deserialize Tensor shape")
		return
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor data")
		return
	}
	// Build the tensor around the slice returned by the decoder, avoiding a copy.
	t = newTensor(shape)
	t.flat = flatPtrV.Elem().Interface()
	if reflect.ValueOf(t.flat).Len() != shape.Size() {
		return nil, errors.Errorf("deserialized Tensor data has %d elements, shape %s requires %d",
			reflect.ValueOf(t.flat).Len(), shape, shape.Size())
	}
	return
}

// Save the tensor to the given file path.
func (t *Tensor) Save(filePath string) (err error) {
	t.AssertValid()
	var f *os.File
	f, err = os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save tensor", filePath)
		return
	}
	enc := gob.NewEncoder(f)
	err = t.GobSerialize(enc)
	if err != nil {
		err = errors.WithMessagef(err, "saving Tensor to %q", filePath)
		_ = f.Close()
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "closing %q, where tensor was saved", filePath)
		return
	}
	return
}

// Load a tensor from the given file path.
func Load(filePath string) (t *Tensor, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		err = errors.Wrapf(err, "opening %q to load Tensor", filePath)
		return
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	t, err = GobDeserialize(dec)
	if err != nil {
		err = errors.WithMessagef(err, "loading Tensor from %q", filePath)
		return
	}
	return
}
