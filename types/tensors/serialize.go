package tensors

import (
	"encoding/gob"
	"os"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// GobSerialize the tensor in binary format. Non-contiguous views are packed
// before writing, so the serialized form is always row-major.
//
// It returns an error for I/O errors. It panics for invalid tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	if t == nil {
		return errNilTensor
	}
	t.assertValid()
	if err = encoder.Encode(t.dtype); err != nil {
		return errors.Wrapf(err, "failed to serialize Tensor dtype")
	}
	if err = encoder.Encode(t.dims); err != nil {
		return errors.Wrapf(err, "failed to serialize Tensor dimensions")
	}
	if err = encoder.Encode(t.Flat()); err != nil {
		return errors.Wrapf(err, "failed to serialize Tensor data")
	}
	return nil
}

// GobDeserialize a tensor from the decoder. It reuses the decoded buffer, no
// extra copy is made.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	var dtype dtypes.DType
	if err = decoder.Decode(&dtype); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor dtype")
	}
	var dims []int
	if err = decoder.Decode(&dims); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor dimensions")
	}
	flatPtrV := reflect.New(reflect.SliceOf(dtype.GoType()))
	if err = decoder.Decode(flatPtrV.Interface()); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor data")
	}
	return &Tensor{dtype: dtype, dims: dims, flat: flatPtrV.Elem().Interface()}, nil
}

// Save the tensor to the given file path.
func (t *Tensor) Save(filePath string) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save tensor", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = t.GobSerialize(enc); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving Tensor to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
	}
	return nil
}

// Load a tensor from the file path given.
func Load(filePath string) (t *Tensor, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load Tensor", filePath)
	}
	dec := gob.NewDecoder(f)
	t, err = GobDeserialize(dec)
	if err != nil {
		_ = f.Close()
		return nil, errors.WithMessagef(err, "loading Tensor from %q", filePath)
	}
	_ = f.Close()
	return t, nil
}
