// Package metric provides overlap metrics for segmentation masks.
package metric

import (
	"math"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"gonum.org/v1/gonum/floats"
)

const smooth = 1e-7

// values flattens a tensor into float64 values.
func values(x *ts.Tensor) []float64 {
	d := x.MustTotype(gotch.Double, false)
	vals := d.Float64Values()
	d.MustDrop()
	return vals
}

// binarize maps values > 0.5 to 1 and others to 0.
func binarize(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if v > 0.5 {
			out[i] = 1
		}
	}
	return out
}

// DiceCoeff computes 2|P∩T| / (|P| + |T|) for binary masks.
func DiceCoeff(pred, target *ts.Tensor) float64 {
	p := binarize(values(pred))
	t := binarize(values(target))

	inter := floats.Dot(p, t)
	total := floats.Sum(p) + floats.Sum(t)

	return (2*inter + smooth) / (total + smooth)
}

// IoU computes |P∩T| / |P∪T| for binary masks.
func IoU(pred, target *ts.Tensor) float64 {
	p := binarize(values(pred))
	t := binarize(values(target))

	inter := floats.Dot(p, t)
	union := floats.Sum(p) + floats.Sum(t) - inter

	return (inter + smooth) / (union + smooth)
}

// label rounds a value to the nearest class index.
func label(v float64) int {
	return int(math.Round(v))
}

// JaccardIndex computes the mean IoU over class labels 0..classes-1.
// pred and target hold class indices; values are rounded to the nearest label.
// Classes absent from both pred and target are skipped.
func JaccardIndex(pred, target *ts.Tensor, classes int) float64 {
	p := values(pred)
	t := values(target)

	var ious []float64
	pc := make([]float64, len(p))
	tc := make([]float64, len(t))
	for c := 0; c < classes; c++ {
		for i := range p {
			pc[i], tc[i] = 0, 0
			if label(p[i]) == c {
				pc[i] = 1
			}
			if label(t[i]) == c {
				tc[i] = 1
			}
		}
		inter := floats.Dot(pc, tc)
		union := floats.Sum(pc) + floats.Sum(tc) - inter
		if union == 0 {
			continue
		}
		ious = append(ious, inter/union)
	}

	if len(ious) == 0 {
		return 0
	}
	return floats.Sum(ious) / float64(len(ious))
}
