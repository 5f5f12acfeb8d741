package tensor

import "github.com/pkg/errors"

var (
	// ErrInputsConflict is returned when both token ids and input embeddings are given.
	ErrInputsConflict = errors.New("you cannot specify both input_ids and inputs_embeds at the same time")

	// ErrNoInputs is returned when neither token ids nor input embeddings are given.
	ErrNoInputs = errors.New("you have to specify either input_ids or inputs_embeds")

	// ErrCacheMisaligned is returned when a token index or past tensor does not line up with the cache.
	ErrCacheMisaligned = errors.New("kv cache is not aligned with the token index")

	// ErrDeviceMismatch is returned when a block receives hidden states placed on another device.
	ErrDeviceMismatch = errors.New("expected all tensors to be on the same device")

	// ErrInvalidDeviceMap is returned by AssertDeviceMap.
	ErrInvalidDeviceMap = errors.New("invalid device map")
)
