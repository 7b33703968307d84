package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/deeplab/aspp"
	"github.com/sugarme/deeplab/deeplab"
)

// flag variables
var (
	task       string
	ModelPath  string
	InputPath  string
	OutputPath string
	Backbone   string
	Cuda       bool
	Device     gotch.Device
)

// hyperparameters
var (
	OutputStride int
	Classes      int
	ImageSize    int
	BatchSize    int
	Attention    bool
)

func init() {
	flag.StringVar(&task, "task", "model", "specify task to run: model|vars|init|image")
	flag.StringVar(&ModelPath, "model", "", "specify full path to model weight '.ot' file (optional).")
	flag.StringVar(&InputPath, "input", "./input.png", "specify input image for 'image' task")
	flag.StringVar(&OutputPath, "output", "./output", "specify output directory")
	flag.StringVar(&Backbone, "backbone", "resnet34", "specify backbone: resnet18|resnet34")
	flag.BoolVar(&Cuda, "cuda", false, "specify whether using CUDA or not.")
	flag.IntVar(&OutputStride, "os", 16, "specify output stride: 8|16")
	flag.IntVar(&Classes, "classes", 1, "specify number of classes")
	flag.IntVar(&ImageSize, "size", 256, "specify model input image size")
	flag.IntVar(&BatchSize, "batch", 4, "specify batch size for 'model' task")
	flag.BoolVar(&Attention, "attention", false, "specify whether to apply SCSE attention after ASPP")
}

func main() {
	flag.Parse()

	OutputPath = absPath(OutputPath)

	Device = gotch.CPU
	if Cuda {
		Device = gotch.NewCuda().CudaIfAvailable()
	}

	vs := nn.NewVarStore(Device)
	net := buildModel(vs)

	switch task {
	case "model":
		runCheckModel(net)
	case "vars":
		printVars(vs)
	case "init":
		runInitHistogram(vs, net)
	case "image":
		runPredictImage(net, absPath(InputPath))
	default:
		err := fmt.Errorf("Unknown 'task' name. Please specify valid 'task' flag to run.\n")
		panic(err)
	}
}

func buildModel(vs *nn.VarStore) *deeplab.DeepLabV3 {
	cfg := deeplab.DefaultConfig()
	cfg.Backbone = Backbone
	cfg.OutputStride = aspp.OutputStride(OutputStride)
	cfg.Classes = int64(Classes)
	cfg.Attention = Attention

	net, err := deeplab.NewDeepLabV3(vs.Root(), cfg)
	if err != nil {
		log.Fatal(err)
	}

	if ModelPath != "" {
		missings, err := vs.LoadPartial(absPath(ModelPath))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Num of missings: %v\n", len(missings))
	}

	return net
}

func runCheckModel(net *deeplab.DeepLabV3) {
	size := int64(ImageSize)
	batchSize := int64(BatchSize)

	feat := []int64{batchSize, net.ASPP().InChannels(), size / int64(OutputStride), size / int64(OutputStride)}
	asppShape, err := net.ASPP().OutputShape(feat)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("ASPP dilations: %v\n", net.ASPP().Dilations())
	fmt.Printf("ASPP: %v => %v\n", feat, asppShape)

	image := ts.MustRand([]int64{batchSize, 3, size, size}, gotch.Float, Device)
	for i := 0; i < 3; i++ {
		ts.NoGrad(func() {
			logit := net.ForwardT(image, false)
			fmt.Printf("%02d - %v => %v\n", i, image.MustSize(), logit.MustSize())
			logit.MustDrop()
		})
	}
	image.MustDrop()
}

// helper to get absolute file path
func absPath(p string) string {
	fullpath, err := filepath.Abs(p)
	if err != nil {
		log.Fatal(err)
	}
	return fullpath
}
