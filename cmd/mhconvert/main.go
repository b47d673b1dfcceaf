// Command mhconvert turns a single-head LLaMA checkpoint into a multi-head one
// whose MLP branches and output heads all start as copies of the original.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"time"

	"mhllama/pkg/checkpoint"
	"mhllama/pkg/model"
	"mhllama/pkg/registry"
	"mhllama/pkg/transplant"
)

func main() {
	refDir := flag.String("reference", "", "Reference (llama) checkpoint directory")
	outDir := flag.String("out", "", "Output directory for the multi-head checkpoint")
	numHeads := flag.Int("num-heads", 2, "Number of output heads")
	headBias := flag.Bool("head-bias", false, "Give output heads a (zeroed) bias")
	colTokenID := flag.Int("col-token-id", -1, "Column separator token id (-1 = unset)")
	maxColumnLen := flag.Int("max-column-len", 15, "Token slots per column")
	verify := flag.Bool("verify", false, "Check every copied tensor after the transplant")

	s3Bucket := flag.String("s3-bucket", "", "Upload the output checkpoint to this S3 bucket")
	s3Prefix := flag.String("s3-prefix", "", "Key prefix for the S3 upload")
	s3Region := flag.String("s3-region", "us-west-2", "AWS region of the bucket")

	initRef := flag.String("init-reference", "", "Write a randomly initialised reference checkpoint to this directory first")
	vocab := flag.Int("vocab", 100, "Vocabulary size (with -init-reference)")
	hidden := flag.Int("hidden", 8, "Hidden size (with -init-reference)")
	intermediate := flag.Int("intermediate", 16, "MLP intermediate size (with -init-reference)")
	layers := flag.Int("layers", 2, "Decoder layers (with -init-reference)")
	attnHeads := flag.Int("attn-heads", 2, "Attention heads (with -init-reference)")
	kvHeads := flag.Int("kv-heads", 2, "Key/value heads (with -init-reference)")
	maxPositions := flag.Int("max-positions", 128, "Maximum sequence length (with -init-reference)")
	seed := flag.Int64("seed", 42, "Random seed (with -init-reference)")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	banner("Multi-head LLaMA Conversion")

	if *initRef != "" {
		cfg := model.DefaultLlamaConfig()
		cfg.VocabSize = *vocab
		cfg.HiddenSize = *hidden
		cfg.IntermediateSize = *intermediate
		cfg.NumHiddenLayers = *layers
		cfg.NumAttentionHeads = *attnHeads
		cfg.NumKeyValueHeads = *kvHeads
		cfg.MaxPositionEmbeddings = *maxPositions
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid reference config: %v", err)
		}

		fmt.Printf("Initializing reference model (seed %d)...\n", *seed)
		ref := model.NewLlamaForCausalLM(cfg, rand.New(rand.NewSource(*seed)))
		if err := checkpoint.Save(*initRef, ref); err != nil {
			log.Fatalf("Error saving reference: %v", err)
		}
		fmt.Printf("Reference written to %s (%s)\n\n", *initRef, ref.ParameterCount())

		if *refDir == "" {
			*refDir = *initRef
		}
		if *outDir == "" {
			return
		}
	}

	if *refDir == "" || *outDir == "" {
		fmt.Fprintln(os.Stderr, "usage: mhconvert -reference DIR -out DIR [-num-heads N] ...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	reg := registry.NewWithBuiltins()

	fmt.Printf("Loading reference from %s...\n", *refDir)
	loaded, err := reg.FromPretrained(ctx, *refDir)
	if err != nil {
		log.Fatalf("Error loading reference: %v", err)
	}
	ref, ok := loaded.(*model.LlamaForCausalLM)
	if !ok {
		log.Fatalf("Reference must be a %q checkpoint, got %q", model.LlamaType, loaded.ModelType())
	}

	cfg := model.NewMHLlamaConfig(ref.Config,
		model.WithNumHeads(*numHeads),
		model.WithHeadBias(*headBias),
		model.WithColTokenID(*colTokenID),
		model.WithMaxColumnLen(*maxColumnLen),
	)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid target config: %v", err)
	}

	fmt.Printf("Model Configuration:\n")
	fmt.Printf("  Vocab Size:   %d\n", cfg.VocabSize)
	fmt.Printf("  Hidden Size:  %d\n", cfg.HiddenSize)
	fmt.Printf("  Num Layers:   %d\n", cfg.NumHiddenLayers)
	fmt.Printf("  Attn Heads:   %d (kv %d)\n", cfg.NumAttentionHeads, cfg.NumKeyValueHeads)
	fmt.Printf("  Output Heads: %d\n", cfg.NumHeads)
	fmt.Println()

	target := model.NewMultiheadLlamaForCausalLM(cfg, nil)

	start := time.Now()
	report, err := transplant.Transplant(ctx, target, ref)
	if err != nil {
		log.Fatalf("Transplant failed: %v", err)
	}
	fmt.Printf("Transplant: %s in %v\n", report, time.Since(start).Round(time.Millisecond))

	if *verify {
		if err := transplant.Verify(transplant.BuildMapping(cfg), ref, target); err != nil {
			log.Fatalf("Verification failed: %v", err)
		}
		if err := transplant.VerifyBranches(target); err != nil {
			log.Fatalf("Verification failed: %v", err)
		}
		fmt.Println("Verification: all branches match the reference")
	}

	if err := checkpoint.Save(*outDir, target); err != nil {
		log.Fatalf("Error saving output: %v", err)
	}
	fmt.Printf("Saved %s to %s\n", target.ParameterCount(), *outDir)

	if *s3Bucket != "" {
		pub, err := checkpoint.NewS3Publisher(*s3Region)
		if err != nil {
			log.Fatalf("Error creating S3 publisher: %v", err)
		}
		keys, err := pub.Publish(ctx, *outDir, *s3Bucket, *s3Prefix)
		if err != nil {
			log.Fatalf("Upload failed: %v", err)
		}
		for _, key := range keys {
			fmt.Printf("  uploaded s3://%s/%s\n", *s3Bucket, key)
		}
	}

	fmt.Println()
	fmt.Println("Done.")
}

func banner(title string) {
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("%*s\n", 25+len(title)/2, title)
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()
}
