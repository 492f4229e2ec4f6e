// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Trainer for the review generation model. The data directory must hold the
// preprocessed corpus, the attribute dictionaries and the aspect vectors, see
// the reviewgen package documentation. Hyperparameters are set with --set,
// e.g.:
//
//	go run ./demo --data=~/tmp/reviews --set="corpus=electronic;num_layers=2;hidden_size=512"
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/reviewgen"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir   = flag.String("data", "~/tmp/reviews", "Directory with the preprocessed corpus; caches and checkpoints go under it.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := reviewgen.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		reviewgen.TrainModel(ctx, *flagDataDir, paramsSet, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
