package base

import (
	"github.com/pkg/errors"
)

// ConvOutSize computes the output size of one spatial axis of a convolution:
//
//	floor((in + 2*padding - dilation*(ksize-1) - 1) / stride) + 1
func ConvOutSize(in, ksize, padding, stride, dilation int64) (int64, error) {
	switch {
	case in < 1:
		return 0, errors.Errorf("input size must be >= 1, got %d", in)
	case ksize < 1:
		return 0, errors.Errorf("kernel size must be >= 1, got %d", ksize)
	case padding < 0:
		return 0, errors.Errorf("padding must be non-negative, got %d", padding)
	case stride < 1:
		return 0, errors.Errorf("stride must be >= 1, got %d", stride)
	case dilation < 1:
		return 0, errors.Errorf("dilation must be >= 1, got %d", dilation)
	}

	effective := dilation*(ksize-1) + 1
	padded := in + 2*padding
	if effective > padded {
		return 0, errors.Errorf("effective kernel size %d (ksize %d, dilation %d) is larger than padded input %d", effective, ksize, dilation, padded)
	}

	return (padded-effective)/stride + 1, nil
}

// ReceptiveField returns the span in input pixels covered by one dilated kernel.
func ReceptiveField(ksize, dilation int64) int64 {
	return dilation*(ksize-1) + 1
}
