package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flosch/pongo2/v6"

	jinja "github.com/docsite/jinja-render"
	"github.com/docsite/jinja-render/pkg/renderblock"
)

type BenchmarkCase struct {
	Name     string                 `json:"name"`
	Template string                 `json:"template"`
	Context  map[string]interface{} `json:"context"`
}

type BenchmarkResult struct {
	Name            string  `json:"name"`
	Engine          string  `json:"engine"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	Output          string  `json:"output,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// engine compiles a template once and returns a function rendering it.
type engine struct {
	name    string
	compile func(source string) (func(ctx map[string]interface{}) (string, error), error)
}

func main() {
	iterations := flag.Int("iterations", 1000, "Number of iterations for each benchmark")
	outputFile := flag.String("output", "benchmark_results.json", "Output file for benchmark results")
	templatesFile := flag.String("templates", "cmd/benchmark/templates.json", "JSON file containing template test cases")
	flag.Parse()

	// Load benchmark cases from JSON file
	benchmarks, err := loadBenchmarkCases(*templatesFile)
	if err != nil {
		fmt.Printf("Error loading template cases: %v\n", err)
		os.Exit(1)
	}

	engines, err := setupEngines()
	if err != nil {
		fmt.Printf("Error setting up engines: %v\n", err)
		os.Exit(1)
	}

	results := make([]BenchmarkResult, 0, len(benchmarks)*len(engines))
	for _, bm := range benchmarks {
		for _, e := range engines {
			fmt.Printf("Running benchmark: %s (%s)\n", bm.Name, e.name)
			result := runBenchmark(e, bm, *iterations)
			if result.Error != "" {
				fmt.Printf("  Error: %s\n", result.Error)
			} else {
				fmt.Printf("  Average time: %.6f ms\n", result.ExecutionTimeMs)
			}
			results = append(results, result)
		}
	}

	// Write results to file
	jsonData, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling results: %v\n", err)
		os.Exit(1)
	}

	err = os.WriteFile(*outputFile, jsonData, 0644)
	if err != nil {
		fmt.Printf("Error writing results to file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Benchmark results written to %s\n", *outputFile)
}

func setupEngines() ([]engine, error) {
	env := jinja.NewEnvironment(nil, nil)
	if err := renderblock.Register(env); err != nil {
		return nil, err
	}
	if err := renderblock.RegisterPongo2(); err != nil {
		return nil, err
	}

	return []engine{
		{
			name: "jinja-render",
			compile: func(source string) (func(map[string]interface{}) (string, error), error) {
				tmpl, err := env.Parse(source)
				if err != nil {
					return nil, err
				}
				return tmpl.Render, nil
			},
		},
		{
			name: "pongo2",
			compile: func(source string) (func(map[string]interface{}) (string, error), error) {
				tpl, err := pongo2.FromString(source)
				if err != nil {
					return nil, err
				}
				return func(ctx map[string]interface{}) (string, error) {
					return tpl.Execute(pongo2.Context(ctx))
				}, nil
			},
		},
	}, nil
}

func runBenchmark(e engine, bm BenchmarkCase, iterations int) BenchmarkResult {
	result := BenchmarkResult{Name: bm.Name, Engine: e.name}

	startTime := time.Now()

	// Compile template once
	render, err := e.compile(bm.Template)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	for i := 0; i < iterations; i++ {
		out, err := render(bm.Context)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		if i == iterations-1 {
			result.Output = out
		}
	}

	elapsed := time.Since(startTime)
	result.ExecutionTimeMs = float64(elapsed.Microseconds()) / float64(iterations) / 1000.0
	return result
}

// loadBenchmarkCases loads benchmark test cases from a JSON file
func loadBenchmarkCases(filename string) ([]BenchmarkCase, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}

	var benchmarks []BenchmarkCase
	err = json.Unmarshal(data, &benchmarks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates JSON: %w", err)
	}

	return benchmarks, nil
}
