package encoder

import (
	ts "github.com/sugarme/gotch/tensor"
)

// Encoder is encoder interface for a image segmentation model.
type Encoder interface {
	// ForwardAll returns the normalized input followed by every stage output.
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
	// Channels returns the channel count of each tensor ForwardAll returns.
	Channels() []int64
}
