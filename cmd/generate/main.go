package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"mhllama/pkg/model"
	"mhllama/pkg/registry"
	"mhllama/pkg/tensor"
)

func main() {
	modelDir := flag.String("model", "", "Checkpoint directory (llama or mhllama)")
	tokens := flag.String("tokens", "1", "Comma-separated prompt token ids")
	heads := flag.String("heads", "", "Comma-separated head per generated token (default: all 0)")
	maxTokens := flag.Int("max-tokens", 10, "Number of tokens to generate")
	contextSize := flag.Int("context-size", 0, "Maximum context window size (0 = model maximum)")
	cloze := flag.String("cloze", "", "Cloze prompt: chunks of token ids separated by '|', one column between chunks")

	flag.Parse()

	if *modelDir == "" {
		fmt.Fprintln(os.Stderr, "usage: generate -model DIR [-tokens 1,2,3] [-heads 0,1,1] [-max-tokens N]")
		os.Exit(2)
	}

	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("          Multi-head LLaMA Generation")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	fmt.Printf("Loading model from %s...\n", *modelDir)
	m, err := registry.NewWithBuiltins().FromPretrained(context.Background(), *modelDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading model: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Model type: %s, heads: %d\n", m.ModelType(), m.NumHeads())
	fmt.Printf("Parameters: %s\n", model.CountParameters(m))
	fmt.Println()

	if *cloze != "" {
		runCloze(m, *cloze)
		return
	}

	encoded, err := parseInts(*tokens)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing -tokens: %v\n", err)
		os.Exit(1)
	}
	newHeads, err := parseInts(*heads)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing -heads: %v\n", err)
		os.Exit(1)
	}
	schedule, err := headSchedule(len(encoded), newHeads, *maxTokens)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	inputData := make([]float32, len(encoded))
	for i, token := range encoded {
		inputData[i] = float32(token)
	}
	idx, err := tensor.FromSlice(inputData, []int{1, len(encoded)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating input tensor: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Input tokens: %v\n", encoded)
	fmt.Printf("Generating %d tokens...\n\n", *maxTokens)

	result, err := model.GenerateTextSimple(m, idx, schedule, *maxTokens, *contextSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating: %v\n", err)
		os.Exit(1)
	}

	outputTokens := make([]int, result.Shape[1])
	for i := range outputTokens {
		outputTokens[i] = int(result.Get([]int{0, i}))
	}

	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("                Output")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Generated tokens: %v\n", outputTokens)
	fmt.Printf("  Input tokens:  %d\n", len(encoded))
	fmt.Printf("  New tokens:    %d\n", len(outputTokens)-len(encoded))
}

func runCloze(m model.CausalLM, arg string) {
	mh, ok := m.(*model.MultiheadLlamaForCausalLM)
	if !ok {
		fmt.Fprintf(os.Stderr, "Cloze generation needs a %s model\n", model.MHLlamaType)
		os.Exit(1)
	}

	var chunks [][]int
	for _, part := range strings.Split(arg, "|") {
		ids, err := parseInts(part)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing -cloze: %v\n", err)
			os.Exit(1)
		}
		chunks = append(chunks, ids)
	}

	tmpl, err := model.NewClozeTemplate(mh.Config, chunks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building template: %v\n", err)
		os.Exit(1)
	}
	seq, err := model.GenerateCloze(mh, tmpl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sequence: %v\n", seq)
	for i, col := range tmpl.Columns(seq) {
		fmt.Printf("  column %d: %v\n", i+1, col)
	}
}

// headSchedule returns the head of every position that predicts a token:
// prompt positions use head 0, except the last one which predicts the first
// new token with newHeads[0]. Missing entries of newHeads default to head 0.
func headSchedule(promptLen int, newHeads []int, maxTokens int) ([]int, error) {
	if promptLen == 0 {
		return nil, fmt.Errorf("-tokens needs at least one token id")
	}
	if maxTokens < 0 {
		return nil, fmt.Errorf("-max-tokens must be non-negative, got %d", maxTokens)
	}
	if len(newHeads) > maxTokens {
		newHeads = newHeads[:maxTokens]
	}

	schedule := make([]int, promptLen-1+maxTokens)
	for i, h := range newHeads {
		schedule[promptLen-1+i] = h
	}
	return schedule, nil
}

func parseInts(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
