// Package tensors implements a local (host memory) dense tensor: a Shape
// plus its flat data.
//
// It is the unit of checkpoint storage: handlers serialize tensors leaf by
// leaf with the gob codec (see Tensor.GobSerialize), and the flat data can
// be accessed as raw bytes for hashing or chunking.
//
// There is no device storage here: accelerator-resident values are a
// concern of the surrounding numeric runtime, and are expected to be
// materialized to host before checkpointing.
package tensors

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/paxgo/pax/types/shapes"
)

// Tensor is a local, dense, multi-dimensional array of one of the supported
// dtypes. The zero value is not valid: use FromShape or one of the From*
// constructors.
//
// A Tensor is mutable through MutableFlatData/MutableBytes and locked during
// data access.
type Tensor struct {
	shape shapes.Shape

	mu sync.Mutex
	// flat is a slice of the Go type matching shape.DType. It is nil once
	// the tensor is finalized.
	flat any
}

func newTensor(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("cannot create Tensor from invalid shape %s", shape)
	}
	return &Tensor{shape: shape}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) (t *Tensor) {
	t = newTensor(shape)
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	t.flat = flatV.Interface()
	return
}

// FromScalar creates a scalar tensor with the given value.
// The DType is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled
// with the given scalar value replicated everywhere.
// The DType is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) (t *Tensor) {
	dtype := dtypes.FromGenericsType[T]()
	t = FromShape(shapes.Make(dtype, dimensions...))
	MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// filled with the flattened values given in data, which are copied.
// The DType is inferred from the data type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) (t *Tensor) {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t = FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return
}

// Shape of the Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the Tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements stored.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// IsFinalized returns true if the tensor data has been freed.
func (t *Tensor) IsFinalized() bool {
	return t == nil || t.flat == nil
}

// Finalize releases the data immediately. The tensor cannot be used afterward.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
}

// AssertValid panics if the tensor is nil or if its data was finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("Tensor is nil")
	}
	if t.flat == nil {
		exceptions.Panicf("Tensor (shape=%s) was already finalized", t.shape)
	}
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. Even scalar values have a flattened data
// representation of one element. It locks the Tensor until accessFn returns.
//
// The slice is owned by the Tensor and must not be changed -- see
// Tensor.MutableFlatData for that.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData is the "generics" version of Tensor.ConstFlatData.
// It panics if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor
// data, whose contents can be changed until accessFn returns. During this
// time the Tensor is locked.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData is the "generics" version of Tensor.MutableFlatData.
// It panics if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

func flatAsBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	flatValuesPtr := element0.Addr().UnsafePointer()
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(flatValuesPtr), sizeBytes)
}

// ConstBytes calls accessFn with the data as a bytes slice.
// The bytes are owned by the Tensor and must not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.ConstFlatData(func(flat any) {
		accessFn(flatAsBytes(flat))
	})
}

// MutableBytes gives mutable access to the tensor data as a bytes slice.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.MutableFlatData(func(flat any) {
		accessFn(flatAsBytes(flat))
	})
}

// ToScalar returns the scalar value of the Tensor.
// It panics if T doesn't match the DType or if the tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) (value T) {
	if !t.shape.IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.shape)
	}
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return
}

// CopyFlatData returns a copy of the flat data of the Tensor.
// It panics if T doesn't match the DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) (flatCopy []T) {
	ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return
}

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	t.ConstFlatData(func(flat any) {
		clone = FromShape(t.shape.Clone())
		reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(flat))
	})
	return clone
}

// Equal compares the shape and data of two tensors.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	equal := true
	t.ConstBytes(func(data []byte) {
		other.ConstBytes(func(otherData []byte) {
			if len(data) != len(otherData) {
				equal = false
				return
			}
			for ii := range data {
				if data[ii] != otherData[ii] {
					equal = false
					return
				}
			}
		})
	})
	return equal
}

// MaxSizeForString is the largest tensor whose values String prints.
var MaxSizeForString = 24

// String prints the shape, and the values if the tensor is small.
func (t *Tensor) String() string {
	if t.IsFinalized() {
		return "Tensor(finalized)"
	}
	if t.Size() > MaxSizeForString {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	var parts []string
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		for ii := 0; ii < flatV.Len(); ii++ {
			parts = append(parts, fmt.Sprintf("%v", flatV.Index(ii).Interface()))
		}
	})
	return fmt.Sprintf("Tensor%s: [%s]", t.shape, strings.Join(parts, ", "))
}

// AsFloat64s returns a copy of the flat data converted to float64, for
// reporting (means, norms) -- not a lossless representation.
// Returns ok=false for dtypes with no numeric conversion.
func AsFloat64s(t *Tensor) (values []float64, ok bool) {
	if t.shape.DType == dtypes.Float16 {
		// x448/float16 values need an explicit conversion, reflect cannot
		// convert them to a float kind.
		ConstFlatData(t, func(flat []float16.Float16) {
			values = make([]float64, len(flat))
			for ii, v := range flat {
				values[ii] = float64(v.Float32())
			}
		})
		return values, true
	}
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		elemKind := flatV.Type().Elem().Kind()
		switch elemKind {
		case reflect.Float32, reflect.Float64,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			values = make([]float64, flatV.Len())
			for ii := 0; ii < flatV.Len(); ii++ {
				values[ii] = flatV.Index(ii).Convert(reflect.TypeOf(float64(0))).Float()
			}
			ok = true
		default:
			ok = false
		}
	})
	return
}
