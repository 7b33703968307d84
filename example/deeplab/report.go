package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/sugarme/gotch/nn"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sugarme/deeplab/deeplab"
)

// printVars prints variables sorted by name.
func printVars(vs *nn.VarStore) {
	vars := vs.Variables()
	records := [][]string{{"name", "shape", "numel"}}
	var total int64
	for name := range vars {
		v := vars[name]
		size := v.MustSize()
		numel := int64(1)
		for _, d := range size {
			numel *= d
		}
		total += numel
		records = append(records, []string{name, fmt.Sprint(size), fmt.Sprint(numel)})
	}

	df := dataframe.LoadRecords(records).Arrange(dataframe.Sort("name"))
	fmt.Println(df.String())
	fmt.Printf("Variables: %d\tParameters: %d\n", len(vars), total)
}

// runInitHistogram re-initializes ASPP and plots the weight distribution of
// its second branch against the He normal density.
func runInitHistogram(vs *nn.VarStore, net *deeplab.DeepLabV3) {
	net.ASPP().ResetParameters()

	name := "aspp.aspp2.atrous_conv.weight"
	vars := vs.Variables()
	ws, ok := vars[name]
	if !ok {
		log.Fatalf("variable %q not found", name)
	}
	vals := ws.Float64Values()

	fanIn := net.ASPP().InChannels() * 3 * 3
	expected := math.Sqrt(2.0 / float64(fanIn))
	mean, std := stat.MeanStdDev(vals, nil)
	fmt.Printf("%v: mean %.5f std %.5f (expected std %.5f)\n", name, mean, std, expected)

	p, err := plot.New()
	if err != nil {
		log.Fatal(err)
	}
	p.Title.Text = "ASPP branch 2 weights"

	v := make(plotter.Values, len(vals))
	copy(v, vals)
	h, err := plotter.NewHist(v, 64)
	if err != nil {
		log.Fatal(err)
	}
	h.Normalize(1)
	p.Add(h)

	normal := distuv.Normal{Mu: 0, Sigma: expected}
	pdf := plotter.NewFunction(normal.Prob)
	p.Add(pdf)

	if err := os.MkdirAll(OutputPath, 0755); err != nil {
		log.Fatal(err)
	}
	out := filepath.Join(OutputPath, "aspp-init-histo.png")
	if err := p.Save(4*vg.Inch, 4*vg.Inch, out); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Saved %v (fan-in %d)\n", out, fanIn)
}
